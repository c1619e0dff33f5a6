package domain

import (
	"time"

	"github.com/google/uuid"
)

// Version is one write-once history row: a copy of an entity's trackable
// fields at one moment, flagged deleted or not, stamped with the timestamp
// shared by every row of the producing operation. The core never updates or
// deletes these.
type Version struct {
	ID         uuid.UUID
	Type       string // owning entity type (descriptor name)
	Table      string // version table name
	RefField   string // history-reference column, e.g. car_id
	RefID      uuid.UUID
	Fields     map[string]any
	IsDeleted  bool
	InsertedAt time.Time

	// Children holds cascaded to-many child payloads keyed by the
	// association's version field; Child holds to-one payloads keyed by
	// association name. Payload shape only; persistence flattens to rows.
	Children map[string][]*Version
	Child    map[string]*Version
}

func (v *Version) attachChild(name string, child *Version) {
	if v.Child == nil {
		v.Child = make(map[string]*Version)
	}
	v.Child[name] = child
}

func (v *Version) attachChildren(versionField string, children []*Version) {
	if len(children) == 0 {
		return
	}
	if v.Children == nil {
		v.Children = make(map[string][]*Version)
	}
	v.Children[versionField] = append(v.Children[versionField], children...)
}

// VersionRow is the read-side projection of a persisted version, with
// associations populated only by point-in-time reconstruction.
type VersionRow struct {
	ID           uuid.UUID
	Type         string
	RefID        uuid.UUID
	Fields       map[string]any
	IsDeleted    bool
	InsertedAt   time.Time
	Associations map[string]any
}

// PutAssociation attaches a reconstructed association value to the row.
func (r *VersionRow) PutAssociation(name string, value any) {
	if r.Associations == nil {
		r.Associations = make(map[string]any)
	}
	r.Associations[name] = value
}
