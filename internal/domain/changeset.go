package domain

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/recordtrail/pkg/validator"
)

// ChangeAction classifies what happened to an association member in an update.
type ChangeAction string

const (
	// ActionInsert marks a child newly created through the parent write.
	ActionInsert ChangeAction = "insert"
	// ActionUpdate marks a child modified in place.
	ActionUpdate ChangeAction = "update"
	// ActionReplace marks a child swapped out or omitted from a submitted
	// collection; the storage layer hard-deletes its row.
	ActionReplace ChangeAction = "replace"
	// ActionDelete marks a child explicitly cleared.
	ActionDelete ChangeAction = "delete"
)

// Changeset describes what, if anything, changed in an update: field-level
// changes plus per-association deltas. It suppresses no-op versions and feeds
// cascade-delete detection.
type Changeset struct {
	Type         string
	EntityID     uuid.UUID
	Data         *Record
	Changes      map[string]any
	Associations map[string]AssociationChange
}

// NewChangeset starts an empty changeset against the current state of rec.
func NewChangeset(rec *Record) *Changeset {
	return &Changeset{
		Type:         rec.Type,
		EntityID:     rec.ID,
		Data:         rec,
		Changes:      make(map[string]any),
		Associations: make(map[string]AssociationChange),
	}
}

// Change stages a field-level change. Staging the current value is a no-op so
// callers can submit full payloads without defeating suppression.
func (c *Changeset) Change(field string, value any) *Changeset {
	if c.Data != nil && valuesEqual(c.Data.Field(field), value) {
		delete(c.Changes, field)
		return c
	}
	if c.Changes == nil {
		c.Changes = make(map[string]any)
	}
	c.Changes[field] = value
	return c
}

// PutAssociation stages an association delta.
func (c *Changeset) PutAssociation(name string, change AssociationChange) *Changeset {
	if c.Associations == nil {
		c.Associations = make(map[string]AssociationChange)
	}
	c.Associations[name] = change
	return c
}

// IsNoop reports whether the changeset stages neither field changes nor
// association deltas.
func (c *Changeset) IsNoop() bool {
	return len(c.Changes) == 0 && len(c.Associations) == 0
}

// AssociationChange is the closed set of per-association delta shapes.
type AssociationChange interface {
	isAssociationChange()
}

// ToOneChange is the delta for a to-one association.
type ToOneChange struct {
	Action ChangeAction
	// Old is the previously-present child being swapped out or cleared;
	// required for replace/delete actions.
	Old *Record
	// Changeset carries the new or modified child for insert/update actions.
	Changeset *Changeset
}

// ToManyChange is the delta for a to-many association, one element per
// affected collection member. Members absent from the elements are unchanged.
type ToManyChange struct {
	Elements []ElementChange
}

// ElementChange is one affected member of a to-many delta.
type ElementChange struct {
	Action    ChangeAction
	Old       *Record
	Changeset *Changeset
}

func (ToOneChange) isAssociationChange()  {}
func (ToManyChange) isAssociationChange() {}

// InsertChangeset builds the changeset describing a brand new record: every
// field is a change, every loaded tracked association an insert delta.
func InsertChangeset(reg *Registry, rec *Record) (*Changeset, error) {
	d, ok := reg.Lookup(rec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, rec.Type)
	}

	cs := &Changeset{
		Type:         rec.Type,
		EntityID:     rec.ID,
		Data:         rec,
		Changes:      make(map[string]any),
		Associations: make(map[string]AssociationChange),
	}
	for _, f := range d.Fields {
		if v := rec.Field(f.Name); v != nil {
			cs.Changes[f.Name] = v
		}
	}

	for _, assoc := range d.Associations {
		value := rec.Association(assoc.Name)
		switch v := value.(type) {
		case Unloaded, Untracked:
			continue
		case One:
			if v.Record == nil {
				continue
			}
			child, err := InsertChangeset(reg, v.Record)
			if err != nil {
				return nil, err
			}
			cs.Associations[assoc.Name] = ToOneChange{Action: ActionInsert, Changeset: child}
		case Many:
			elements := make([]ElementChange, 0, len(v.Records))
			for _, c := range v.Records {
				child, err := InsertChangeset(reg, c)
				if err != nil {
					return nil, err
				}
				elements = append(elements, ElementChange{Action: ActionInsert, Changeset: child})
			}
			if len(elements) > 0 {
				cs.Associations[assoc.Name] = ToManyChange{Elements: elements}
			}
		default:
			return nil, fmt.Errorf("%w: %s.%s holds %T", ErrAssociationShape, d.Name, assoc.Name, value)
		}
	}

	return cs, nil
}

// DiffChangeset derives the changeset turning before into after by comparing
// fields and correlating association membership per child identifier. Children
// present before and absent after become replace deltas; unloaded associations
// on either side are skipped entirely.
func DiffChangeset(reg *Registry, before, after *Record) (*Changeset, error) {
	if before.Type != after.Type {
		return nil, fmt.Errorf("cannot diff %q against %q", before.Type, after.Type)
	}
	if before.ID != after.ID {
		return nil, fmt.Errorf("cannot diff records with different identifiers")
	}
	d, ok := reg.Lookup(before.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, before.Type)
	}

	cs := NewChangeset(before)
	for _, f := range d.Fields {
		oldValue := before.Field(f.Name)
		newValue := after.Field(f.Name)
		if !valuesEqual(oldValue, newValue) {
			cs.Changes[f.Name] = newValue
		}
	}

	for _, assoc := range d.Associations {
		oldValue := before.Association(assoc.Name)
		newValue := after.Association(assoc.Name)
		if _, unloaded := newValue.(Unloaded); unloaded {
			continue
		}
		if _, unloaded := oldValue.(Unloaded); unloaded {
			// No before state to correlate against; treat everything present
			// as inserted through this write.
			oldValue = emptyValue(assoc)
		}

		change, err := diffAssociation(reg, d, assoc, oldValue, newValue)
		if err != nil {
			return nil, err
		}
		if change != nil {
			cs.Associations[assoc.Name] = change
		}
	}

	return cs, nil
}

func emptyValue(assoc Association) AssociationValue {
	if assoc.Cardinality == CardinalityMany {
		return Many{}
	}
	return One{}
}

func diffAssociation(reg *Registry, owner Descriptor, assoc Association, oldValue, newValue AssociationValue) (AssociationChange, error) {
	target, err := reg.Target(owner, assoc)
	if err != nil {
		return nil, err
	}
	if !target.Tracked {
		// Untracked relations carry no history; membership changes are
		// invisible to the trail.
		return nil, nil
	}

	switch assoc.Cardinality {
	case CardinalityOne:
		oldOne, okOld := oldValue.(One)
		newOne, okNew := newValue.(One)
		if !okOld || !okNew {
			return nil, fmt.Errorf("%w: %s.%s holds %T/%T", ErrAssociationShape, owner.Name, assoc.Name, oldValue, newValue)
		}
		return diffToOne(reg, oldOne.Record, newOne.Record)
	case CardinalityMany:
		oldMany, okOld := oldValue.(Many)
		newMany, okNew := newValue.(Many)
		if !okOld || !okNew {
			return nil, fmt.Errorf("%w: %s.%s holds %T/%T", ErrAssociationShape, owner.Name, assoc.Name, oldValue, newValue)
		}
		return diffToMany(reg, oldMany.Records, newMany.Records)
	}
	return nil, fmt.Errorf("%w: %s.%s cardinality %q", ErrAssociationShape, owner.Name, assoc.Name, assoc.Cardinality)
}

func diffToOne(reg *Registry, old, next *Record) (AssociationChange, error) {
	switch {
	case old == nil && next == nil:
		return nil, nil
	case old == nil:
		child, err := InsertChangeset(reg, next)
		if err != nil {
			return nil, err
		}
		return ToOneChange{Action: ActionInsert, Changeset: child}, nil
	case next == nil:
		return ToOneChange{Action: ActionDelete, Old: old}, nil
	case old.ID == next.ID:
		child, err := DiffChangeset(reg, old, next)
		if err != nil {
			return nil, err
		}
		if child.IsNoop() {
			return nil, nil
		}
		return ToOneChange{Action: ActionUpdate, Changeset: child}, nil
	default:
		// Different child: the old one is being swapped out.
		child, err := InsertChangeset(reg, next)
		if err != nil {
			return nil, err
		}
		return ToOneChange{Action: ActionReplace, Old: old, Changeset: child}, nil
	}
}

func diffToMany(reg *Registry, old, next []*Record) (AssociationChange, error) {
	oldByID := make(map[uuid.UUID]*Record, len(old))
	for _, rec := range old {
		oldByID[rec.ID] = rec
	}

	var elements []ElementChange
	seen := make(map[uuid.UUID]struct{}, len(next))
	for _, rec := range next {
		seen[rec.ID] = struct{}{}
		prev, existed := oldByID[rec.ID]
		if !existed {
			child, err := InsertChangeset(reg, rec)
			if err != nil {
				return nil, err
			}
			elements = append(elements, ElementChange{Action: ActionInsert, Changeset: child})
			continue
		}
		child, err := DiffChangeset(reg, prev, rec)
		if err != nil {
			return nil, err
		}
		if child.IsNoop() {
			continue
		}
		elements = append(elements, ElementChange{Action: ActionUpdate, Changeset: child})
	}

	for _, rec := range old {
		if _, still := seen[rec.ID]; !still {
			elements = append(elements, ElementChange{Action: ActionReplace, Old: rec})
		}
	}

	if len(elements) == 0 {
		return nil, nil
	}
	return ToManyChange{Elements: elements}, nil
}

// Validate checks the staged changes against the descriptor: unknown fields
// are rejected and, for insert operations, required fields must be present.
func (c *Changeset) Validate(reg *Registry, insert bool) error {
	d, ok := reg.Lookup(c.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}

	ve := &ValidationError{Type: c.Type, Fields: make(map[string]string)}
	for name, value := range c.Changes {
		f, known := d.Field(name)
		if !known {
			ve.Fields[name] = "unknown field"
			continue
		}
		if err := validator.CheckValue(name, value, validator.FieldType(f.Type)); err != nil {
			// The validator message already names the field; keep only the rule.
			ve.Fields[name] = strings.TrimPrefix(err.Error(), fmt.Sprintf("field '%s' ", name))
		}
	}
	if insert {
		for _, f := range d.Fields {
			if !f.Required {
				continue
			}
			if v, staged := c.Changes[f.Name]; !staged || v == nil {
				ve.Fields[f.Name] = "is required"
			}
		}
	}
	for name, change := range c.Associations {
		assoc, known := d.Association(name)
		if !known {
			ve.Fields[name] = "unknown association"
			continue
		}
		if err := validateAssociationChange(reg, d, assoc, change, ve); err != nil {
			return err
		}
	}

	if len(ve.Fields) > 0 {
		return ve
	}
	return nil
}

func validateAssociationChange(reg *Registry, owner Descriptor, assoc Association, change AssociationChange, ve *ValidationError) error {
	switch c := change.(type) {
	case ToOneChange:
		if assoc.Cardinality != CardinalityOne {
			return fmt.Errorf("%w: to-one delta on %s.%s", ErrAssociationShape, owner.Name, assoc.Name)
		}
		if c.Changeset != nil {
			if err := c.Changeset.Validate(reg, c.Action == ActionInsert || c.Action == ActionReplace); err != nil {
				return nestValidation(ve, assoc.Name, err)
			}
		}
	case ToManyChange:
		if assoc.Cardinality != CardinalityMany {
			return fmt.Errorf("%w: to-many delta on %s.%s", ErrAssociationShape, owner.Name, assoc.Name)
		}
		for _, el := range c.Elements {
			if el.Changeset == nil {
				continue
			}
			if err := el.Changeset.Validate(reg, el.Action == ActionInsert); err != nil {
				return nestValidation(ve, assoc.Name, err)
			}
		}
	default:
		return fmt.Errorf("%w: %s.%s delta is %T", ErrAssociationShape, owner.Name, assoc.Name, change)
	}
	return nil
}

func nestValidation(ve *ValidationError, assoc string, err error) error {
	child, ok := err.(*ValidationError)
	if !ok {
		return err
	}
	for field, msg := range child.Fields {
		ve.Fields[assoc+"."+field] = msg
	}
	return nil
}

// ValidationError is a business-rule rejection naming the offending fields.
type ValidationError struct {
	Type   string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + " " + e.Fields[name]
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Type, strings.Join(parts, "; "))
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
