package internal

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/lychee-technology/orma"
	"github.com/puzpuzpuz/xsync/v3"
)

// PlanCache memoizes compiled query plans across sessions. Plans are immutable once compiled.
type PlanCache struct {
	enabled bool
	plans   *xsync.MapOf[string, *queryPlan]
}

// NewPlanCache creates a cache; a disabled cache compiles on every lookup.
func NewPlanCache(enabled bool) *PlanCache {
	return &PlanCache{
		enabled: enabled,
		plans:   xsync.NewMapOf[string, *queryPlan](),
	}
}

// GetOrCompile returns the cached plan for q, compiling it on a miss. Failed compilations are not
// cached. Callers lift literal values out of q first (see parameterize), so the key only carries
// the shape of the query.
func (c *PlanCache) GetOrCompile(q *orma.Query, compile func(*orma.Query) (*queryPlan, error)) (*queryPlan, error) {
	if c == nil || !c.enabled {
		return compile(q)
	}
	key := q.CacheKey()
	if plan, ok := c.plans.Load(key); ok {
		return plan, nil
	}
	plan, err := compile(q)
	if err != nil {
		return nil, err
	}
	actual, _ := c.plans.LoadOrStore(key, plan)
	return actual, nil
}

// Size returns the number of cached plans.
func (c *PlanCache) Size() int {
	if c == nil {
		return 0
	}
	return c.plans.Size()
}

// literalPrefix names the parameters literal values are lifted into. Template parameters are
// identifiers, so the prefix never appears in query text.
const literalPrefix = "#"

func literalParam(i int) orma.Param {
	return orma.NamedParam(literalPrefix + strconv.Itoa(i))
}

// parameterize replaces the literal values of a specification with named parameters and binds
// the values in the returned args. Queries that differ only in their literals share one plan.
// A nil value stays in the condition: it changes the SQL (IS NULL).
func parameterize(q *orma.Query, args orma.Args) (*orma.Query, orma.Args, error) {
	if q.Kind != orma.QuerySpecification || q.Condition == nil {
		return q, args, nil
	}

	var literals []any
	var lift func(v any) (any, error)
	lift = func(v any) (any, error) {
		switch x := v.(type) {
		case nil:
			return nil, nil
		case orma.Param:
			if x.Position == 0 && strings.HasPrefix(x.Name, literalPrefix) {
				return nil, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeParameterBinding,
					fmt.Sprintf("parameter %s uses the reserved prefix %q", x, literalPrefix)).WithField(x.Name)
			}
			return x, nil
		case []any:
			out := make([]any, len(x))
			for i, item := range x {
				lifted, err := lift(item)
				if err != nil {
					return nil, err
				}
				out[i] = lifted
			}
			return out, nil
		}
		literals = append(literals, v)
		return literalParam(len(literals)), nil
	}

	cond, err := liftCondition(q.Condition, lift)
	if err != nil {
		return nil, orma.Args{}, err
	}
	if len(literals) == 0 {
		return q, args, nil
	}

	named := make(map[string]any, len(args.Named)+len(literals))
	maps.Copy(named, args.Named)
	for i, v := range literals {
		named[literalParam(i+1).Name] = v
	}
	lifted := *q
	lifted.Condition = cond
	return &lifted, orma.Args{Positional: args.Positional, Named: named}, nil
}

func liftCondition(c orma.Condition, lift func(any) (any, error)) (orma.Condition, error) {
	switch v := c.(type) {
	case *orma.Predicate:
		if v.Operator.Arity() == 0 {
			return v, nil
		}
		value, err := lift(v.Value)
		if err != nil {
			return nil, err
		}
		out := *v
		out.Value = value
		return &out, nil
	case *orma.CompositeCondition:
		children := make([]orma.Condition, len(v.Conditions))
		for i, child := range v.Conditions {
			lifted, err := liftCondition(child, lift)
			if err != nil {
				return nil, err
			}
			children[i] = lifted
		}
		return &orma.CompositeCondition{Logic: v.Logic, Conditions: children}, nil
	case *orma.Negation:
		inner, err := liftCondition(v.Condition, lift)
		if err != nil {
			return nil, err
		}
		return &orma.Negation{Condition: inner}, nil
	}
	return c, nil
}
