package domain

import (
	"time"

	"github.com/google/uuid"
)

// Record is a mutable, currently-true row of a registered type, with its
// associations either loaded or left in the Unloaded sentinel state.
type Record struct {
	Type         string
	ID           uuid.UUID
	Fields       map[string]any
	Associations map[string]AssociationValue
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// VersionID is the identifier of the version row produced by the most
	// recent write operation on this record. Virtual; never persisted on the
	// mutable table.
	VersionID uuid.UUID
}

// NewRecord creates a record of the given type with a fresh identifier.
func NewRecord(typ string, fields map[string]any) *Record {
	now := time.Now()
	return &Record{
		Type:         typ,
		ID:           uuid.New(),
		Fields:       copyFields(fields),
		Associations: make(map[string]AssociationValue),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Field returns the named field value, or nil when unset.
func (r *Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// SetField assigns a field value in place.
func (r *Record) SetField(name string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[name] = value
}

// Association returns the association value for name. An association that was
// never fetched reports Unloaded, never an empty collection.
func (r *Record) Association(name string) AssociationValue {
	if r.Associations == nil {
		return Unloaded{}
	}
	v, ok := r.Associations[name]
	if !ok {
		return Unloaded{}
	}
	return v
}

// PutOne loads a to-one association value onto the record.
func (r *Record) PutOne(name string, child *Record) *Record {
	if r.Associations == nil {
		r.Associations = make(map[string]AssociationValue)
	}
	r.Associations[name] = One{Record: child}
	return r
}

// PutMany loads a to-many association value onto the record.
func (r *Record) PutMany(name string, children []*Record) *Record {
	if r.Associations == nil {
		r.Associations = make(map[string]AssociationValue)
	}
	r.Associations[name] = Many{Records: children}
	return r
}

// PutUntracked loads an untracked association value, carried by reference.
func (r *Record) PutUntracked(name string, value any) *Record {
	if r.Associations == nil {
		r.Associations = make(map[string]AssociationValue)
	}
	r.Associations[name] = Untracked{Value: value}
	return r
}

// Clone returns a deep copy of the record and its loaded associations.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Type:      r.Type,
		ID:        r.ID,
		Fields:    copyFields(r.Fields),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		VersionID: r.VersionID,
	}
	if r.Associations != nil {
		out.Associations = make(map[string]AssociationValue, len(r.Associations))
		for name, value := range r.Associations {
			switch v := value.(type) {
			case One:
				out.Associations[name] = One{Record: v.Record.Clone()}
			case Many:
				children := make([]*Record, len(v.Records))
				for i, c := range v.Records {
					children[i] = c.Clone()
				}
				out.Associations[name] = Many{Records: children}
			default:
				out.Associations[name] = value
			}
		}
	}
	return out
}

// AssociationValue is the closed set of shapes an association slot can hold.
// The builder pattern-matches exhaustively over these; any other shape is a
// contract violation.
type AssociationValue interface {
	isAssociationValue()
}

// Unloaded marks an association that was never fetched. It must be treated as
// absent, never as removed.
type Unloaded struct{}

// One holds a loaded to-one association. A nil Record means loaded-but-absent.
type One struct {
	Record *Record
}

// Many holds a loaded to-many association.
type Many struct {
	Records []*Record
}

// Untracked holds the raw value of a non-historized relation, carried by
// reference only.
type Untracked struct {
	Value any
}

func (Unloaded) isAssociationValue()  {}
func (One) isAssociationValue()       {}
func (Many) isAssociationValue()      {}
func (Untracked) isAssociationValue() {}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
