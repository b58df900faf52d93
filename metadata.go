package orma

import (
	"reflect"
)

// IDStrategy says where primary-key values come from.
type IDStrategy string

const (
	// IDAssigned keys are set by the application before persist.
	IDAssigned IDStrategy = "assigned"
	// IDIdentity keys are generated by the database and read back at flush.
	IDIdentity IDStrategy = "identity"
	// IDUUID keys are generated by the session at persist.
	IDUUID IDStrategy = "uuid"
)

// FieldDescriptor maps one persistent scalar field.
type FieldDescriptor struct {
	Name        string       `json:"name" yaml:"name"`
	Column      string       `json:"column" yaml:"column"`
	Index       []int        `json:"-" yaml:"-"`
	Type        reflect.Type `json:"-" yaml:"-"`
	ID          bool         `json:"id,omitempty" yaml:"id,omitempty"`
	Strategy    IDStrategy   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	CreatedDate bool         `json:"createdDate,omitempty" yaml:"createdDate,omitempty"`
}

// AssociationDescriptor maps a relationship to another entity.
// Only the owning side carries a join column; the inverse side names the owning property in MappedBy.
type AssociationDescriptor struct {
	Name        string       `json:"name" yaml:"name"`
	Target      string       `json:"target" yaml:"target"`
	TargetType  reflect.Type `json:"-" yaml:"-"`
	Cardinality Cardinality  `json:"cardinality" yaml:"cardinality"`
	Owning      bool         `json:"owning" yaml:"owning"`
	JoinColumn  string       `json:"joinColumn,omitempty" yaml:"joinColumn,omitempty"`
	MappedBy    string       `json:"mappedBy,omitempty" yaml:"mappedBy,omitempty"`
	Fetch       FetchMode    `json:"fetch" yaml:"fetch"`
	Index       []int        `json:"-" yaml:"-"`
}

// IsCollection reports whether the association holds many targets.
func (a *AssociationDescriptor) IsCollection() bool {
	return a.Cardinality == OneToMany
}

// NamedQuery is a template (or native SQL) query declared on an entity and addressed as Entity.name.
type NamedQuery struct {
	Name       string `json:"name" yaml:"name"`
	Query      string `json:"query" yaml:"query"`
	CountQuery string `json:"countQuery,omitempty" yaml:"countQuery,omitempty"`
	Native     bool   `json:"native,omitempty" yaml:"native,omitempty"`
}

// EntityDescriptor is the immutable mapping of one entity type.
type EntityDescriptor struct {
	Name         string                   `json:"name" yaml:"name"`
	Table        string                   `json:"table" yaml:"table"`
	Type         reflect.Type             `json:"-" yaml:"-"`
	ID           *FieldDescriptor         `json:"-" yaml:"-"`
	Fields       []*FieldDescriptor       `json:"fields" yaml:"fields"`
	Associations []*AssociationDescriptor `json:"associations,omitempty" yaml:"associations,omitempty"`
	NamedQueries map[string]NamedQuery    `json:"namedQueries,omitempty" yaml:"namedQueries,omitempty"`
	EntityGraphs map[string][]string      `json:"entityGraphs,omitempty" yaml:"entityGraphs,omitempty"`
}

// Field looks up a scalar field by property name.
func (d *EntityDescriptor) Field(name string) (*FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Association looks up an association by property name.
func (d *EntityDescriptor) Association(name string) (*AssociationDescriptor, bool) {
	for _, a := range d.Associations {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// OwningAssociations returns the associations whose join column lives in this entity's table.
func (d *EntityDescriptor) OwningAssociations() []*AssociationDescriptor {
	var out []*AssociationDescriptor
	for _, a := range d.Associations {
		if a.Owning {
			out = append(out, a)
		}
	}
	return out
}

// Columns lists the table columns in mapping order: scalar fields, then owning join columns.
func (d *EntityDescriptor) Columns() []string {
	cols := make([]string, 0, len(d.Fields)+len(d.Associations))
	for _, f := range d.Fields {
		cols = append(cols, f.Column)
	}
	for _, a := range d.OwningAssociations() {
		cols = append(cols, a.JoinColumn)
	}
	return cols
}

// Optional interfaces an entity type may implement to refine its mapping.
type (
	// TableNamer overrides the default snake_case table name.
	TableNamer interface {
		TableName() string
	}
	// NamedQueryProvider declares template queries addressed as Entity.name.
	NamedQueryProvider interface {
		NamedQueries() []NamedQuery
	}
	// EntityGraphProvider declares named fetch graphs as lists of association paths.
	EntityGraphProvider interface {
		EntityGraphs() map[string][]string
	}
	// Persistable lets an entity with an assigned key say whether it was ever stored.
	Persistable interface {
		IsNew() bool
	}
)
