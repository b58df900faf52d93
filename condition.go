package orma

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Logic joins the children of a composite condition.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition is a node of a predicate tree. Derived queries, specifications and
// template where-clauses all compile to the same tree.
type Condition interface {
	IsLeaf() bool
}

// CompositeCondition is a non-leaf node.
type CompositeCondition struct {
	Logic      Logic       `json:"l"`
	Conditions []Condition `json:"c"`
}

func (c *CompositeCondition) IsLeaf() bool { return false }

func (c *CompositeCondition) String() string {
	parts := make([]string, 0, len(c.Conditions))
	for _, child := range c.Conditions {
		parts = append(parts, fmt.Sprint(child))
	}
	return "(" + strings.Join(parts, " "+strings.ToUpper(string(c.Logic))+" ") + ")"
}

// UnmarshalJSON accepts the short-hand {"l": "and", "c": [...]} form.
func (c *CompositeCondition) UnmarshalJSON(data []byte) error {
	type compositeAlias struct {
		Logic      *Logic            `json:"l"`
		Conditions []json.RawMessage `json:"c"`
	}

	var alias compositeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	if alias.Logic == nil {
		return fmt.Errorf("composite condition missing logic")
	}

	switch *alias.Logic {
	case LogicAnd, LogicOr:
		c.Logic = *alias.Logic
	default:
		return fmt.Errorf("unknown logic: %s", *alias.Logic)
	}

	if len(alias.Conditions) == 0 {
		c.Conditions = nil
		return nil
	}

	conditions := make([]Condition, 0, len(alias.Conditions))
	for _, raw := range alias.Conditions {
		child, err := unmarshalCondition(raw)
		if err != nil {
			return err
		}
		conditions = append(conditions, child)
	}

	c.Conditions = conditions
	return nil
}

// Predicate is a leaf comparing an attribute path against a value.
// Path is dotted through to-one associations, e.g. "team.name".
type Predicate struct {
	Path       string   `json:"a"`
	Operator   Operator `json:"o,omitempty"`
	Value      any      `json:"v,omitempty"`
	IgnoreCase bool     `json:"i,omitempty"`
}

func (p *Predicate) IsLeaf() bool { return true }

func (p *Predicate) String() string {
	if p.Operator.Arity() == 0 {
		return p.Path + " " + string(p.Operator)
	}
	return fmt.Sprintf("%s %s %v", p.Path, p.Operator, p.Value)
}

// UnmarshalJSON ensures short-hand keys are present.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	type predicateAlias struct {
		Path       string   `json:"a"`
		Operator   Operator `json:"o"`
		Value      any      `json:"v"`
		IgnoreCase bool     `json:"i"`
	}

	var alias predicateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	if alias.Path == "" {
		return fmt.Errorf("predicate missing attribute path")
	}
	if alias.Operator == "" {
		alias.Operator = OpEquals
	}
	if !alias.Operator.Valid() {
		return fmt.Errorf("unknown operator: %s", alias.Operator)
	}

	p.Path = alias.Path
	p.Operator = alias.Operator
	p.Value = alias.Value
	p.IgnoreCase = alias.IgnoreCase
	return nil
}

func unmarshalCondition(data []byte) (Condition, error) {
	var discriminator struct {
		Logic *Logic  `json:"l"`
		Path  *string `json:"a"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return nil, err
	}

	if discriminator.Logic != nil {
		var composite CompositeCondition
		if err := json.Unmarshal(data, &composite); err != nil {
			return nil, err
		}
		return &composite, nil
	}

	if discriminator.Path != nil {
		var p Predicate
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}

	return nil, fmt.Errorf("condition is neither composite nor predicate: %s", string(data))
}

// Param is a value placeholder bound at execution time.
// A positive Position refers to a positional argument (1-based), otherwise Name is used.
type Param struct {
	Name     string
	Position int
}

func (p Param) String() string {
	if p.Position > 0 {
		return fmt.Sprintf("?%d", p.Position)
	}
	return ":" + p.Name
}

// NamedParam references a named binding.
func NamedParam(name string) Param { return Param{Name: name} }

// PositionalParam references the i-th positional binding, starting at 1.
func PositionalParam(i int) Param { return Param{Position: i} }

// Where creates a predicate leaf.
func Where(path string, op Operator, value any) *Predicate {
	return &Predicate{Path: path, Operator: op, Value: value}
}

// Eq is shorthand for an equality predicate.
func Eq(path string, value any) *Predicate { return Where(path, OpEquals, value) }

// And combines conditions, skipping nil children and flattening nested ANDs.
func And(conds ...Condition) Condition { return combine(LogicAnd, conds) }

// Or combines conditions, skipping nil children and flattening nested ORs.
func Or(conds ...Condition) Condition { return combine(LogicOr, conds) }

func combine(logic Logic, conds []Condition) Condition {
	out := make([]Condition, 0, len(conds))
	for _, c := range conds {
		switch v := c.(type) {
		case nil:
			continue
		case *CompositeCondition:
			if v == nil || len(v.Conditions) == 0 {
				continue
			}
			if v.Logic == logic {
				out = append(out, v.Conditions...)
				continue
			}
		}
		out = append(out, c)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return &CompositeCondition{Logic: logic, Conditions: out}
}

// Negation inverts its child.
type Negation struct {
	Condition Condition
}

func (n *Negation) IsLeaf() bool { return false }

func (n *Negation) String() string { return fmt.Sprintf("NOT %v", n.Condition) }

// Not negates c.
func Not(c Condition) Condition {
	if c == nil {
		return nil
	}
	if inner, ok := c.(*Negation); ok {
		return inner.Condition
	}
	return &Negation{Condition: c}
}

// WalkPredicates visits every leaf in depth-first order.
func WalkPredicates(c Condition, fn func(*Predicate) error) error {
	switch v := c.(type) {
	case nil:
		return nil
	case *Predicate:
		return fn(v)
	case *CompositeCondition:
		for _, child := range v.Conditions {
			if err := WalkPredicates(child, fn); err != nil {
				return err
			}
		}
		return nil
	case *Negation:
		return WalkPredicates(v.Condition, fn)
	default:
		return fmt.Errorf("unsupported condition node %T", c)
	}
}

// Specification is a reusable, composable predicate over entity type T.
type Specification[T any] struct {
	Condition Condition
}

// Spec wraps a condition as a specification for T.
func Spec[T any](c Condition) Specification[T] {
	return Specification[T]{Condition: c}
}

// And returns a specification matching both operands.
func (s Specification[T]) And(other Specification[T]) Specification[T] {
	return Specification[T]{Condition: And(s.Condition, other.Condition)}
}

// Or returns a specification matching either operand.
func (s Specification[T]) Or(other Specification[T]) Specification[T] {
	return Specification[T]{Condition: Or(s.Condition, other.Condition)}
}

// Not returns a specification matching what s does not.
func (s Specification[T]) Not() Specification[T] {
	return Specification[T]{Condition: Not(s.Condition)}
}

// IsEmpty reports whether the specification matches everything.
func (s Specification[T]) IsEmpty() bool {
	return s.Condition == nil
}
