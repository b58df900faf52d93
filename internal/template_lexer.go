package internal

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokNumber
	tokString
	tokNamedParam
	tokPositionalParam
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of query"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

var templateKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true, "not": true,
	"join": true, "left": true, "inner": true, "outer": true, "fetch": true, "order": true,
	"by": true, "asc": true, "desc": true, "update": true, "set": true, "delete": true,
	"in": true, "is": true, "null": true, "like": true, "count": true, "distinct": true,
	"as": true, "between": true, "true": true, "false": true, "new": true, "lower": true,
	"upper": true,
}

// lexTemplate splits query text into tokens. Keywords are case-insensitive and returned lower-cased.
func lexTemplate(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			word := string(runes[start:i])
			if templateKeywords[strings.ToLower(word)] {
				tokens = append(tokens, token{kind: tokKeyword, text: strings.ToLower(word), pos: start})
			} else {
				tokens = append(tokens, token{kind: tokIdent, text: word, pos: start})
			}

		case unicode.IsDigit(r):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(runes[start:i]), pos: start})

		case r == '\'':
			start := i
			i++
			var b strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					closed = true
					i++
					break
				}
				b.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string literal at %d", start)
			}
			tokens = append(tokens, token{kind: tokString, text: b.String(), pos: start})

		case r == ':':
			start := i
			i++
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			if i == start+1 {
				return nil, fmt.Errorf("empty parameter name at %d", start)
			}
			tokens = append(tokens, token{kind: tokNamedParam, text: string(runes[start+1 : i]), pos: start})

		case r == '?':
			start := i
			i++
			for i < len(runes) && unicode.IsDigit(runes[i]) {
				i++
			}
			if i == start+1 {
				return nil, fmt.Errorf("positional parameter without index at %d", start)
			}
			tokens = append(tokens, token{kind: tokPositionalParam, text: string(runes[start+1 : i]), pos: start})

		default:
			start := i
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "<=", ">=", "<>", "!=":
				tokens = append(tokens, token{kind: tokSymbol, text: two, pos: start})
				i += 2
				continue
			}
			if !strings.ContainsRune("(),.=<>+-*", r) {
				return nil, fmt.Errorf("unexpected character %q at %d", r, start)
			}
			tokens = append(tokens, token{kind: tokSymbol, text: string(r), pos: start})
			i++
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(runes)})
	return tokens, nil
}
