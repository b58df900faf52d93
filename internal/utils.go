package internal

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// sanitizeIdentifier quotes a possibly schema-qualified identifier for PostgreSQL.
func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(part, " \"")
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}
	if len(clean) == 0 {
		clean = []string{name}
	}
	return pgx.Identifier(clean).Sanitize()
}

func toUUID(obj any) (uuid.UUID, bool) {
	switch v := obj.(type) {
	case uuid.UUID:
		return v, true
	case *uuid.UUID:
		if v == nil {
			return uuid.Nil, false
		}
		return *v, true
	case [16]byte:
		return uuid.UUID(v), true
	case string:
		data, err := uuid.Parse(v)
		return data, err == nil
	case []byte:
		// 16 raw bytes, or the textual form
		if len(v) == 16 {
			data, err := uuid.FromBytes(v)
			return data, err == nil
		}
		data, err := uuid.Parse(string(v))
		return data, err == nil
	default:
		return uuid.Nil, false
	}
}

// splitCamel splits an identifier at lower-to-upper boundaries: "findByTeamName" -> find By Team Name.
// Digits stay attached to the preceding word, so "First3" is one word.
func splitCamel(s string) []string {
	var words []string
	runes := []rune(s)
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		boundary := unicode.IsUpper(cur) && (unicode.IsLower(prev) || unicode.IsDigit(prev))
		// "IDName" -> ID Name
		if !boundary && unicode.IsUpper(cur) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			boundary = true
		}
		if boundary {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	if start < len(runes) {
		words = append(words, string(runes[start:]))
	}
	return words
}

// lowerCamel converts a Go field name to a property name: "CreatedDate" -> "createdDate", "ID" -> "id".
func lowerCamel(s string) string {
	words := splitCamel(s)
	if len(words) == 0 {
		return ""
	}
	words[0] = strings.ToLower(words[0])
	return strings.Join(words, "")
}

// snakeCase converts a Go name to a column name: "CreatedDate" -> "created_date".
func snakeCase(s string) string {
	words := splitCamel(s)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, "_")
}

// normalizeColumnKey folds a column or field name so "team_name", "teamName" and "TeamName" compare equal.
func normalizeColumnKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}
