package internal

import (
	"github.com/lychee-technology/orma"
)

// Statement is the SQL one query renders to, without executing it.
type Statement struct {
	Kind     string `yaml:"kind"`
	SQL      string `yaml:"sql"`
	Args     []any  `yaml:"args,omitempty"`
	CountSQL string `yaml:"countSql,omitempty"`
}

var planKindNames = map[planKind]string{
	planSelect:        "select",
	planCount:         "count",
	planExists:        "exists",
	planUpdate:        "update",
	planDelete:        "delete",
	planDerivedDelete: "delete (per entity)",
	planNative:        "native",
}

// Explain compiles q and renders it for dialect. Derived deletes render the select that finds
// the entities to remove. Parameters missing from args are reported as binding errors.
func (r *EntityRegistry) Explain(dialect orma.Dialect, q *orma.Query, args orma.Args) (Statement, error) {
	if q == nil {
		return Statement{}, orma.NewValidationError("query", "query must not be nil")
	}
	q, args, err := parameterize(q, args)
	if err != nil {
		return Statement{}, err
	}
	plan, err := r.plan(q)
	if err != nil {
		return Statement{}, err
	}
	if err := plan.checkArgs(args, true); err != nil {
		return Statement{}, err
	}

	gen := NewSQLGenerator(dialect, r)
	st := Statement{Kind: planKindNames[plan.kind]}
	switch plan.kind {
	case planNative:
		st.SQL, st.Args, err = gen.Native(plan, args, nil, 0, 0)
	case planUpdate, planDelete:
		st.SQL, st.Args, err = gen.Bulk(plan, args)
	default:
		st.SQL, st.Args, err = gen.Select(plan, args, selectOptions{orders: plan.orders, limit: plan.limit})
	}
	if err != nil {
		return Statement{}, err
	}

	if plan.countPlan != nil {
		if plan.countPlan.kind == planNative {
			st.CountSQL, _, err = gen.Native(plan.countPlan, args, nil, 0, 0)
		} else {
			st.CountSQL, _, err = gen.Select(plan.countPlan, args, selectOptions{})
		}
		if err != nil {
			return Statement{}, err
		}
	}
	return st, nil
}
