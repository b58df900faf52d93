package main

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/internal"
	"github.com/lychee-technology/orma/internal/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type Explain struct {
	cmd      *cobra.Command
	mainopts *Options

	entity     string
	method     string
	native     bool
	countQuery string
	named      []string
	positional []string
}

func NewExplain(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain [query]",
		Short: "show the SQL a query compiles to",
		Example: `  orma-tools explain --entity Member --method findByUsernameAndAgeGreaterThan -p user1 -p 10
  orma-tools explain "select m from Member m where m.age > :age" -a age=10
  orma-tools explain --driver pgx --entity Member --native "select * from member where username = ?" -p user1`,
		Args: cobra.MaximumNArgs(1),
	}
	c := &Explain{cmd: cmd, mainopts: opts}
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return c.Run(args) }

	flags := cmd.Flags()
	flags.StringVarP(&c.entity, "entity", "e", "", "entity the query belongs to")
	flags.StringVarP(&c.method, "method", "m", "", "repository method to resolve (named query or derived)")
	flags.BoolVar(&c.native, "native", false, "treat the query as native SQL")
	flags.StringVar(&c.countQuery, "count", "", "count query used for pages")
	flags.StringArrayVarP(&c.named, "arg", "a", nil, "named binding name=value")
	flags.StringArrayVarP(&c.positional, "param", "p", nil, "positional binding")
	return cmd
}

func (c *Explain) Run(args []string) error {
	config, err := c.mainopts.config()
	if err != nil {
		return err
	}
	dialect, err := internal.DialectFor(config.Database.Driver)
	if err != nil {
		return err
	}
	registry, err := internal.NewEntityRegistry(domain.Entities()...)
	if err != nil {
		return err
	}

	q, err := c.query(registry, args)
	if err != nil {
		return err
	}
	bindings, err := c.bindings()
	if err != nil {
		return err
	}

	st, err := registry.Explain(dialect, q, bindings)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(c.mainopts.out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(st)
}

func (c *Explain) query(registry *internal.EntityRegistry, args []string) (*orma.Query, error) {
	var entityType reflect.Type
	if c.entity != "" {
		desc, err := registry.DescribeName(c.entity)
		if err != nil {
			return nil, err
		}
		entityType = desc.Type
	}

	switch {
	case c.method != "":
		if entityType == nil {
			return nil, fmt.Errorf("--method needs --entity")
		}
		return registry.Resolve(entityType, c.method)
	case len(args) == 0:
		return nil, fmt.Errorf("a query or --method is required")
	case c.native:
		q := orma.Native(entityType, args[0])
		if c.countQuery != "" {
			q = q.WithCount(c.countQuery)
		}
		return q, nil
	}
	q := orma.Template(args[0])
	if c.countQuery != "" {
		q = q.WithCount(c.countQuery)
	}
	return q, nil
}

func (c *Explain) bindings() (orma.Args, error) {
	out := orma.Args{}
	for _, raw := range c.positional {
		out.Positional = append(out.Positional, parseValue(raw))
	}
	for _, pair := range c.named {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return orma.Args{}, fmt.Errorf("binding %q is not name=value", pair)
		}
		if out.Named == nil {
			out.Named = map[string]any{}
		}
		if strings.Contains(value, ",") {
			var list []any
			for _, v := range strings.Split(value, ",") {
				list = append(list, parseValue(v))
			}
			out.Named[name] = list
			continue
		}
		out.Named[name] = parseValue(value)
	}
	return out, nil
}

// parseValue reads integers and booleans as such; everything else stays a string.
func parseValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
