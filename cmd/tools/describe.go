package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/internal"
	"github.com/lychee-technology/orma/internal/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type Describe struct {
	cmd      *cobra.Command
	mainopts *Options
}

func NewDescribe(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe [entity...]",
		Short: "print the entity mapping as YAML",
	}
	c := &Describe{cmd: cmd, mainopts: opts}
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return c.Run(args) }
	return cmd
}

func (c *Describe) Run(args []string) error {
	registry, err := internal.NewEntityRegistry(domain.Entities()...)
	if err != nil {
		return err
	}

	entities := registry.Entities()
	if len(args) > 0 {
		entities = entities[:0:0]
		for _, name := range args {
			desc, err := registry.DescribeName(name)
			if err != nil {
				return err
			}
			entities = append(entities, desc)
		}
	}
	slices.SortStableFunc(entities, func(a, b *orma.EntityDescriptor) int {
		return strings.Compare(a.Name, b.Name)
	})

	enc := yaml.NewEncoder(c.mainopts.out)
	enc.SetIndent(2)
	defer enc.Close()
	for _, desc := range entities {
		if err := enc.Encode(describeEntity(desc)); err != nil {
			return fmt.Errorf("encode %s: %w", desc.Name, err)
		}
	}
	return nil
}

type fieldView struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column"`
	Type     string `yaml:"type"`
	Strategy string `yaml:"strategy,omitempty"`
}

type entityView struct {
	Name         string                        `yaml:"name"`
	Table        string                        `yaml:"table"`
	Type         string                        `yaml:"type"`
	ID           string                        `yaml:"id"`
	Fields       []fieldView                   `yaml:"fields"`
	Associations []*orma.AssociationDescriptor `yaml:"associations,omitempty"`
	NamedQueries map[string]orma.NamedQuery    `yaml:"namedQueries,omitempty"`
	EntityGraphs map[string][]string           `yaml:"entityGraphs,omitempty"`
}

// describeEntity adds the Go types that the descriptor leaves out of its YAML form.
func describeEntity(desc *orma.EntityDescriptor) entityView {
	view := entityView{
		Name:         desc.Name,
		Table:        desc.Table,
		Type:         desc.Type.String(),
		Associations: desc.Associations,
		NamedQueries: desc.NamedQueries,
		EntityGraphs: desc.EntityGraphs,
	}
	for _, f := range desc.Fields {
		fv := fieldView{Name: f.Name, Column: f.Column, Type: f.Type.String()}
		if f.ID {
			fv.Strategy = string(f.Strategy)
			view.ID = f.Name
		}
		view.Fields = append(view.Fields, fv)
	}
	return view
}
