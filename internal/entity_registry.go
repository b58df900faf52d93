package internal

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/lychee-technology/orma"
	"go.uber.org/zap"
)

const ormTag = "orm"

var (
	referenceHandleType  = reflect.TypeFor[orma.ReferenceHandle]()
	collectionHandleType = reflect.TypeFor[orma.CollectionHandle]()
)

// EntityRegistry holds the resolved mapping of every entity. It is built once at startup and
// never mutated afterwards, so sessions on different goroutines share it freely.
type EntityRegistry struct {
	types   map[reflect.Type]*orma.EntityDescriptor
	names   map[string]*orma.EntityDescriptor
	ordered []*orma.EntityDescriptor
	plans   *PlanCache
}

var _ orma.Registry = (*EntityRegistry)(nil)

// NewEntityRegistry reflects over samples (struct values or pointers) and validates the mapping.
// Named queries and entity graphs are compiled here, so a bad field reference fails at startup.
func NewEntityRegistry(samples ...any) (*EntityRegistry, error) {
	r := &EntityRegistry{
		types: make(map[reflect.Type]*orma.EntityDescriptor, len(samples)),
		names: make(map[string]*orma.EntityDescriptor, len(samples)),
		plans: NewPlanCache(true),
	}

	for _, sample := range samples {
		t := reflect.TypeOf(sample)
		for t != nil && t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t == nil || t.Kind() != reflect.Struct {
			return nil, orma.NewConfigurationError(orma.ErrCodeInvalidMapping, fmt.Sprintf("entity sample %T is not a struct", sample))
		}
		if _, dup := r.types[t]; dup {
			continue
		}
		desc, err := describeEntity(t)
		if err != nil {
			return nil, err
		}
		if other, dup := r.names[desc.Name]; dup {
			return nil, orma.NewConfigurationError(orma.ErrCodeInvalidMapping,
				fmt.Sprintf("entity name %s used by %s and %s", desc.Name, other.Type, t))
		}
		r.types[t] = desc
		r.names[desc.Name] = desc
		r.ordered = append(r.ordered, desc)
	}

	if err := r.linkAssociations(); err != nil {
		return nil, err
	}
	if err := r.validateNamedQueries(); err != nil {
		return nil, err
	}
	if err := r.validateEntityGraphs(); err != nil {
		return nil, err
	}

	zap.S().Debugw("entity registry ready", "entities", len(r.ordered))
	return r, nil
}

func describeEntity(t reflect.Type) (*orma.EntityDescriptor, error) {
	desc := &orma.EntityDescriptor{
		Name:         t.Name(),
		Table:        snakeCase(t.Name()),
		Type:         t,
		NamedQueries: map[string]orma.NamedQuery{},
		EntityGraphs: map[string][]string{},
	}

	sample := reflect.New(t).Interface()
	if namer, ok := sample.(orma.TableNamer); ok {
		desc.Table = namer.TableName()
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		tag := sf.Tag.Get(ormTag)
		if tag == "-" {
			continue
		}
		opts := parseTag(tag)
		ptr := reflect.PointerTo(sf.Type)

		switch {
		case ptr.Implements(referenceHandleType):
			assoc := &orma.AssociationDescriptor{
				Name:        lowerCamel(sf.Name),
				TargetType:  reflect.New(sf.Type).Interface().(orma.ReferenceHandle).TargetType(),
				Cardinality: orma.ManyToOne,
				Owning:      true,
				JoinColumn:  opts.value("column", snakeCase(sf.Name)+"_id"),
				Fetch:       orma.FetchLazy,
				Index:       sf.Index,
			}
			if opts.has("oneToOne") {
				assoc.Cardinality = orma.OneToOne
			}
			if opts.value("fetch", "") == string(orma.FetchEager) {
				assoc.Fetch = orma.FetchEager
			}
			desc.Associations = append(desc.Associations, assoc)

		case ptr.Implements(collectionHandleType):
			mappedBy := opts.value("mappedBy", "")
			if mappedBy == "" {
				return nil, orma.NewConfigurationError(orma.ErrCodeConflictingOwnership,
					"one-to-many association must name the owning reference with mappedBy").
					WithEntity(desc.Name).WithField(lowerCamel(sf.Name))
			}
			assoc := &orma.AssociationDescriptor{
				Name:        lowerCamel(sf.Name),
				TargetType:  reflect.New(sf.Type).Interface().(orma.CollectionHandle).ElementType(),
				Cardinality: orma.OneToMany,
				MappedBy:    mappedBy,
				Fetch:       orma.FetchLazy,
				Index:       sf.Index,
			}
			if opts.value("fetch", "") == string(orma.FetchEager) {
				assoc.Fetch = orma.FetchEager
			}
			desc.Associations = append(desc.Associations, assoc)

		default:
			field := &orma.FieldDescriptor{
				Name:        lowerCamel(sf.Name),
				Column:      opts.value("column", snakeCase(sf.Name)),
				Index:       sf.Index,
				Type:        sf.Type,
				ID:          opts.has("id"),
				CreatedDate: opts.has("createdDate"),
			}
			if field.ID {
				field.Strategy = orma.IDAssigned
				switch g := opts.value("generated", ""); g {
				case "":
				case string(orma.IDIdentity):
					field.Strategy = orma.IDIdentity
				case string(orma.IDUUID):
					field.Strategy = orma.IDUUID
				default:
					return nil, orma.NewConfigurationError(orma.ErrCodeInvalidMapping,
						fmt.Sprintf("unknown generation strategy %q", g)).WithEntity(desc.Name).WithField(field.Name)
				}
				if desc.ID != nil {
					return nil, orma.NewConfigurationError(orma.ErrCodeDuplicatePrimaryKey,
						fmt.Sprintf("both %s and %s are marked id", desc.ID.Name, field.Name)).WithEntity(desc.Name)
				}
				desc.ID = field
			}
			if field.CreatedDate && field.Type != timeType {
				return nil, orma.NewConfigurationError(orma.ErrCodeInvalidMapping,
					"createdDate field must be a time.Time").WithEntity(desc.Name).WithField(field.Name)
			}
			desc.Fields = append(desc.Fields, field)
		}
	}

	if desc.ID == nil {
		return nil, orma.NewConfigurationError(orma.ErrCodeMissingPrimaryKey,
			"no field is tagged orm:\"id\"").WithEntity(desc.Name)
	}

	if provider, ok := sample.(orma.NamedQueryProvider); ok {
		for _, nq := range provider.NamedQueries() {
			nq.Name = strings.TrimPrefix(nq.Name, desc.Name+".")
			desc.NamedQueries[nq.Name] = nq
		}
	}
	if provider, ok := sample.(orma.EntityGraphProvider); ok {
		for name, paths := range provider.EntityGraphs() {
			desc.EntityGraphs[strings.TrimPrefix(name, desc.Name+".")] = paths
		}
	}
	return desc, nil
}

// linkAssociations resolves targets and checks that each bidirectional association has exactly one owner.
func (r *EntityRegistry) linkAssociations() error {
	for _, desc := range r.ordered {
		joinColumns := make(map[string]string)
		for _, f := range desc.Fields {
			joinColumns[f.Column] = f.Name
		}
		for _, assoc := range desc.Associations {
			target, ok := r.types[assoc.TargetType]
			if !ok {
				return orma.NewConfigurationError(orma.ErrCodeUnknownEntity,
					fmt.Sprintf("association target %s is not registered", assoc.TargetType)).
					WithEntity(desc.Name).WithField(assoc.Name)
			}
			assoc.Target = target.Name
			if assoc.Owning {
				if other, taken := joinColumns[assoc.JoinColumn]; taken {
					return orma.NewConfigurationError(orma.ErrCodeConflictingOwnership,
						fmt.Sprintf("join column %s already mapped by %s", assoc.JoinColumn, other)).
						WithEntity(desc.Name).WithField(assoc.Name)
				}
				joinColumns[assoc.JoinColumn] = assoc.Name
			}
		}
	}

	claimed := make(map[string]string)
	for _, desc := range r.ordered {
		for _, assoc := range desc.Associations {
			if assoc.Owning {
				continue
			}
			target := r.names[assoc.Target]
			owner, ok := target.Association(assoc.MappedBy)
			if !ok || !owner.Owning || owner.TargetType != desc.Type {
				return orma.NewConfigurationError(orma.ErrCodeConflictingOwnership,
					fmt.Sprintf("mappedBy %q is not a reference from %s back to %s", assoc.MappedBy, target.Name, desc.Name)).
					WithEntity(desc.Name).WithField(assoc.Name)
			}
			key := target.Name + "." + owner.Name
			if other, dup := claimed[key]; dup {
				return orma.NewConfigurationError(orma.ErrCodeConflictingOwnership,
					fmt.Sprintf("%s and %s.%s both claim the inverse of %s", other, desc.Name, assoc.Name, key)).
					WithEntity(desc.Name).WithField(assoc.Name)
			}
			claimed[key] = desc.Name + "." + assoc.Name
			assoc.JoinColumn = owner.JoinColumn
		}
	}
	return nil
}

func (r *EntityRegistry) validateNamedQueries() error {
	for _, desc := range r.ordered {
		names := MapKeys(desc.NamedQueries)
		sort.Strings(names)
		for _, name := range names {
			if _, err := r.compile(orma.Named(desc.Type, name)); err != nil {
				return fmt.Errorf("named query %s.%s: %w", desc.Name, name, err)
			}
		}
	}
	return nil
}

func (r *EntityRegistry) validateEntityGraphs() error {
	for _, desc := range r.ordered {
		for name, paths := range desc.EntityGraphs {
			for _, path := range paths {
				if _, err := r.associationPath(desc, path); err != nil {
					return fmt.Errorf("entity graph %s.%s: %w", desc.Name, name, err)
				}
			}
		}
	}
	return nil
}

// associationPath resolves a dotted chain of associations such as "team" or "team.members".
func (r *EntityRegistry) associationPath(desc *orma.EntityDescriptor, path string) ([]*orma.AssociationDescriptor, error) {
	var chain []*orma.AssociationDescriptor
	current := desc
	for _, seg := range strings.Split(path, ".") {
		assoc, ok := current.Association(seg)
		if !ok {
			return nil, unknownProperty(current, seg)
		}
		chain = append(chain, assoc)
		current = r.names[assoc.Target]
	}
	return chain, nil
}

func unknownProperty(desc *orma.EntityDescriptor, name string) *orma.OrmaError {
	return &orma.OrmaError{
		Type:    orma.ErrorTypeValidation,
		Code:    orma.ErrCodeUnknownProperty,
		Message: fmt.Sprintf("no property %q", name),
		Entity:  desc.Name,
		Field:   name,
	}
}

// Describe returns the descriptor of a struct type or pointer to one.
func (r *EntityRegistry) Describe(t reflect.Type) (*orma.EntityDescriptor, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if desc, ok := r.types[t]; ok {
		return desc, nil
	}
	return nil, orma.NewConfigurationError(orma.ErrCodeUnknownEntity, fmt.Sprintf("%v is not a registered entity", t))
}

// DescribeName returns the descriptor registered under an entity name.
func (r *EntityRegistry) DescribeName(name string) (*orma.EntityDescriptor, error) {
	if desc, ok := r.names[name]; ok {
		return desc, nil
	}
	return nil, orma.NewConfigurationError(orma.ErrCodeUnknownEntity, fmt.Sprintf("%s is not a registered entity", name))
}

// Entities returns every descriptor in registration order.
func (r *EntityRegistry) Entities() []*orma.EntityDescriptor {
	out := make([]*orma.EntityDescriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Resolve maps a repository method to a named query when one is declared, otherwise derives it.
func (r *EntityRegistry) Resolve(entity reflect.Type, method string) (*orma.Query, error) {
	desc, err := r.Describe(entity)
	if err != nil {
		return nil, err
	}
	var q *orma.Query
	if _, ok := desc.NamedQueries[method]; ok {
		q = orma.Named(desc.Type, method)
	} else {
		q = orma.Derived(desc.Type, method)
	}
	if err := r.Prepare(q); err != nil {
		return nil, err
	}
	return q, nil
}

// Prepare compiles q and caches the plan.
func (r *EntityRegistry) Prepare(q *orma.Query) error {
	q, _, err := parameterize(q, orma.Args{})
	if err != nil {
		return err
	}
	_, err = r.plan(q)
	return err
}

// plan compiles through the registry's own cache, which serves startup validation and Explain.
// Sessions go through their factory's cache instead.
func (r *EntityRegistry) plan(q *orma.Query) (*queryPlan, error) {
	return r.plans.GetOrCompile(q, r.compile)
}

// entityOf returns the descriptor and value of a pointer to a registered entity.
func (r *EntityRegistry) entityOf(entity any) (*orma.EntityDescriptor, reflect.Value, error) {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil, reflect.Value{}, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeInvalidEntityArgument,
			fmt.Sprintf("expected a non-nil pointer to an entity, got %T", entity))
	}
	desc, err := r.Describe(v.Type())
	if err != nil {
		return nil, reflect.Value{}, err
	}
	return desc, v.Elem(), nil
}

// keyOf reads the primary key of an entity value; ok is false while the key is still zero.
func keyOf(desc *orma.EntityDescriptor, v reflect.Value) (any, bool) {
	fv := v.FieldByIndex(desc.ID.Index)
	if fv.IsZero() {
		return nil, false
	}
	return fv.Interface(), true
}

// bindValue turns entity pointers into their keys so they can be compared against join columns.
func (r *EntityRegistry) bindValue(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		if desc, ok := r.types[rv.Type().Elem()]; ok {
			key, _ := keyOf(desc, rv.Elem())
			return key
		}
	}
	return v
}

type tagOptions map[string]string

func parseTag(tag string) tagOptions {
	opts := tagOptions{}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, ":")
		opts[key] = value
	}
	return opts
}

func (o tagOptions) has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o tagOptions) value(key, fallback string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return fallback
}
