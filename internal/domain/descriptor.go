package domain

import (
	"fmt"
)

// FieldType represents the type of a trackable field on an entity descriptor
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
	FieldTypeUUID      FieldType = "uuid"
)

// Cardinality tags an association as to-one or to-many.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// FieldDefinition represents a trackable business field. The identifier and
// timestamp columns are implicit and never listed here.
type FieldDefinition struct {
	Name     string    `json:"name" mapstructure:"name"`
	Type     FieldType `json:"type" mapstructure:"type"`
	Required bool      `json:"required" mapstructure:"required"`
}

// Association describes a metadata-level link between two entity types.
// Whether the association is tracked (cascades into child versions) is not
// stored here; it is derived from the target descriptor's Tracked flag.
type Association struct {
	Name        string      `json:"name" mapstructure:"name"`
	Target      string      `json:"target" mapstructure:"target"`
	Cardinality Cardinality `json:"cardinality" mapstructure:"cardinality"`
	// ForeignKey is the column holding the link: for a to-one association it
	// lives on the owning table, for a to-many association on the target table.
	ForeignKey string `json:"foreign_key" mapstructure:"foreign_key"`
	// VersionField is the payload attribute under which materialized child
	// versions of a tracked to-many association appear. Defaults to
	// "<name>_versions" at registration.
	VersionField string `json:"version_field,omitempty" mapstructure:"version_field"`
}

// Descriptor is the per-entity-type static metadata resolved once at
// registration. Name is the mutable table name; Singular builds the
// conventional history-reference field and version table names.
type Descriptor struct {
	Name         string            `json:"name" mapstructure:"name"`
	Singular     string            `json:"singular" mapstructure:"singular"`
	Tracked      bool              `json:"tracked" mapstructure:"tracked"`
	Fields       []FieldDefinition `json:"fields" mapstructure:"fields"`
	Associations []Association     `json:"associations,omitempty" mapstructure:"associations"`
}

// VersionTable returns the name of the parallel append-only table.
func (d Descriptor) VersionTable() string {
	return d.Singular + "_versions"
}

// ReferenceField returns the history-reference column pointing at the owning
// entity's identifier. Deliberately not a constrained foreign key.
func (d Descriptor) ReferenceField() string {
	return d.Singular + "_id"
}

// FieldNames returns the ordered trackable field names.
func (d Descriptor) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the definition for a named field.
func (d Descriptor) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Association returns the association metadata for a named association.
func (d Descriptor) Association(name string) (Association, bool) {
	for _, a := range d.Associations {
		if a.Name == name {
			return a, true
		}
	}
	return Association{}, false
}

// Registry is the load-time-resolved descriptor table, looked up by type name.
// Populated once at startup; no runtime reflection.
type Registry struct {
	types map[string]Descriptor
}

// NewRegistry creates an empty descriptor registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register validates and stores a descriptor. Association targets may be
// registered later; they are resolved when the graph is walked.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("descriptor requires a table name")
	}
	if d.Singular == "" {
		return fmt.Errorf("descriptor %q requires a singular name", d.Name)
	}
	if _, exists := r.types[d.Name]; exists {
		return fmt.Errorf("descriptor %q already registered", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("descriptor %q has a field without a name", d.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("descriptor %q declares field %q twice", d.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	assocs := make([]Association, len(d.Associations))
	copy(assocs, d.Associations)
	for i, a := range assocs {
		if a.Name == "" || a.Target == "" {
			return fmt.Errorf("descriptor %q has an association missing name or target", d.Name)
		}
		if a.Cardinality != CardinalityOne && a.Cardinality != CardinalityMany {
			return fmt.Errorf("descriptor %q association %q has invalid cardinality %q", d.Name, a.Name, a.Cardinality)
		}
		if a.ForeignKey == "" {
			return fmt.Errorf("descriptor %q association %q requires a foreign key", d.Name, a.Name)
		}
		if a.VersionField == "" {
			assocs[i].VersionField = a.Name + "_versions"
		}
	}
	d.Associations = assocs

	r.types[d.Name] = d
	return nil
}

// MustRegister registers a descriptor or panics; intended for static
// registration at startup.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for a type name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.types[name]
	return d, ok
}

// Tracked reports whether a type name refers to a registered tracked type.
func (r *Registry) Tracked(name string) bool {
	d, ok := r.types[name]
	return ok && d.Tracked
}

// Target resolves an association's target descriptor. An unregistered target
// is a metadata bug, reported via ErrUnknownAssociation.
func (r *Registry) Target(owner Descriptor, assoc Association) (Descriptor, error) {
	d, ok := r.types[assoc.Target]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s.%s targets unregistered type %q",
			ErrUnknownAssociation, owner.Name, assoc.Name, assoc.Target)
	}
	return d, nil
}

// Descriptors returns every registered descriptor, keyed by type name.
func (r *Registry) Descriptors() map[string]Descriptor {
	out := make(map[string]Descriptor, len(r.types))
	for name, d := range r.types {
		out[name] = d
	}
	return out
}
