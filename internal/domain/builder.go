package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BuildOptions controls one version-building pass. Timestamp must be shared
// across an entire cascading write so that every row produced by one logical
// operation carries one inserted_at.
type BuildOptions struct {
	Deleted   bool
	Timestamp time.Time
	// Changeset, when supplied, suppresses no-op versions: an entity whose
	// delta stages zero field-level changes produces no row unless Deleted.
	Changeset *Changeset
}

// BuildVersion derives every version row for rec and its tracked descendants.
// Pure tree traversal, no I/O. Returns the rows flattened, the entity's own
// row first when it produced one; an untracked root yields nothing.
func BuildVersion(reg *Registry, rec *Record, opts BuildOptions) ([]*Version, error) {
	_, rows, err := buildNode(reg, rec, opts)
	return rows, err
}

func buildNode(reg *Registry, rec *Record, opts BuildOptions) (*Version, []*Version, error) {
	d, ok := reg.Lookup(rec.Type)
	if !ok || !d.Tracked {
		return nil, nil, nil
	}

	// No-op suppression, judged per entity at every depth.
	emit := opts.Deleted || opts.Changeset == nil || len(opts.Changeset.Changes) > 0

	var node *Version
	var rows []*Version
	if emit {
		node = &Version{
			ID:         uuid.New(),
			Type:       d.Name,
			Table:      d.VersionTable(),
			RefField:   d.ReferenceField(),
			RefID:      rec.ID,
			Fields:     snapshotFields(reg, d, rec),
			IsDeleted:  opts.Deleted,
			InsertedAt: opts.Timestamp,
		}
		rows = append(rows, node)
	}

	for _, assoc := range d.Associations {
		value := rec.Association(assoc.Name)
		if _, unloaded := value.(Unloaded); unloaded {
			// Never fetched: absent, not removed.
			continue
		}

		target, err := reg.Target(d, assoc)
		if err != nil {
			return nil, nil, err
		}

		if !target.Tracked {
			if node != nil {
				node.Fields[assoc.Name] = rawValue(value)
			}
			continue
		}

		switch assoc.Cardinality {
		case CardinalityOne:
			one, ok := value.(One)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s.%s holds %T", ErrAssociationShape, d.Name, assoc.Name, value)
			}
			if one.Record == nil {
				if node != nil {
					node.Fields[assoc.ForeignKey] = nil
				}
				continue
			}
			if node != nil {
				node.Fields[assoc.ForeignKey] = one.Record.ID
			}

			childOpts, walk, err := childOptions(d, assoc, opts, one.Record.ID)
			if err != nil {
				return nil, nil, err
			}
			if !walk {
				continue
			}
			childNode, childRows, err := buildNode(reg, one.Record, childOpts)
			if err != nil {
				return nil, nil, err
			}
			if node != nil && childNode != nil {
				node.attachChild(assoc.Name, childNode)
			}
			rows = append(rows, childRows...)

		case CardinalityMany:
			many, ok := value.(Many)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s.%s holds %T", ErrAssociationShape, d.Name, assoc.Name, value)
			}

			deltas, walk, err := elementDeltas(d, assoc, opts)
			if err != nil {
				return nil, nil, err
			}
			if !walk {
				continue
			}

			var attached []*Version
			for _, child := range many.Records {
				childOpts := BuildOptions{Deleted: opts.Deleted, Timestamp: opts.Timestamp}
				if deltas != nil {
					cs, affected := deltas[child.ID]
					if !affected {
						// Present but not in the delta: unchanged member.
						continue
					}
					childOpts.Changeset = cs
				}
				childNode, childRows, err := buildNode(reg, child, childOpts)
				if err != nil {
					return nil, nil, err
				}
				if childNode != nil {
					// Mirror the link onto the child's snapshot; the mutable row
					// carries it, so must the history row.
					childNode.Fields[assoc.ForeignKey] = rec.ID
					attached = append(attached, childNode)
				}
				rows = append(rows, childRows...)
			}
			if node != nil {
				node.attachChildren(assoc.VersionField, attached)
			}

		default:
			return nil, nil, fmt.Errorf("%w: %s.%s cardinality %q", ErrAssociationShape, d.Name, assoc.Name, assoc.Cardinality)
		}
	}

	return node, rows, nil
}

// childOptions resolves the build options for a loaded to-one child. walk is
// false when the update delta has nothing at this position.
func childOptions(d Descriptor, assoc Association, opts BuildOptions, childID uuid.UUID) (BuildOptions, bool, error) {
	out := BuildOptions{Deleted: opts.Deleted, Timestamp: opts.Timestamp}
	if opts.Changeset == nil || opts.Deleted {
		return out, true, nil
	}

	change, present := opts.Changeset.Associations[assoc.Name]
	if !present {
		return out, false, nil
	}
	toOne, ok := change.(ToOneChange)
	if !ok {
		return out, false, fmt.Errorf("%w: %s.%s delta is %T", ErrAssociationShape, d.Name, assoc.Name, change)
	}

	switch toOne.Action {
	case ActionInsert, ActionUpdate, ActionReplace:
		if toOne.Changeset == nil || toOne.Changeset.EntityID != childID {
			return out, false, nil
		}
		out.Changeset = toOne.Changeset
		return out, true, nil
	case ActionDelete:
		// Removal is the cascade detector's concern.
		return out, false, nil
	}
	return out, false, fmt.Errorf("%w: %s.%s action %q", ErrAssociationShape, d.Name, assoc.Name, toOne.Action)
}

// elementDeltas indexes a to-many update delta by child identifier. A nil map
// with walk=true means build every present child (insert/delete traversal).
func elementDeltas(d Descriptor, assoc Association, opts BuildOptions) (map[uuid.UUID]*Changeset, bool, error) {
	if opts.Changeset == nil || opts.Deleted {
		return nil, true, nil
	}

	change, present := opts.Changeset.Associations[assoc.Name]
	if !present {
		return nil, false, nil
	}
	toMany, ok := change.(ToManyChange)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s.%s delta is %T", ErrAssociationShape, d.Name, assoc.Name, change)
	}

	deltas := make(map[uuid.UUID]*Changeset, len(toMany.Elements))
	for _, el := range toMany.Elements {
		switch el.Action {
		case ActionInsert, ActionUpdate:
			if el.Changeset != nil {
				deltas[el.Changeset.EntityID] = el.Changeset
			}
		case ActionReplace, ActionDelete:
			// Removed members are absent from the post-mutation collection;
			// the cascade detector synthesizes their terminal versions.
		default:
			return nil, false, fmt.Errorf("%w: %s.%s element action %q", ErrAssociationShape, d.Name, assoc.Name, el.Action)
		}
	}
	return deltas, true, nil
}

// snapshotFields copies every trackable field plus the foreign-key columns the
// version table mirrors from the mutable table.
func snapshotFields(reg *Registry, d Descriptor, rec *Record) map[string]any {
	fields := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		fields[f.Name] = rec.Field(f.Name)
	}
	for _, assoc := range d.Associations {
		if assoc.Cardinality == CardinalityOne {
			if v, ok := rec.Fields[assoc.ForeignKey]; ok {
				fields[assoc.ForeignKey] = v
			}
		}
	}
	for _, fk := range reg.InboundForeignKeys(d.Name) {
		if v, ok := rec.Fields[fk]; ok {
			fields[fk] = v
		}
	}
	return fields
}

func rawValue(value AssociationValue) any {
	switch v := value.(type) {
	case Untracked:
		return v.Value
	case One:
		return v.Record
	case Many:
		return v.Records
	}
	return nil
}

// InboundForeignKeys lists the foreign-key columns other registered types hang
// on the named type through their to-many associations, sorted for
// deterministic output.
func (r *Registry) InboundForeignKeys(name string) []string {
	var fks []string
	seen := make(map[string]struct{})
	for _, d := range r.types {
		for _, assoc := range d.Associations {
			if assoc.Cardinality != CardinalityMany || assoc.Target != name {
				continue
			}
			if _, dup := seen[assoc.ForeignKey]; dup {
				continue
			}
			seen[assoc.ForeignKey] = struct{}{}
			fks = append(fks, assoc.ForeignKey)
		}
	}
	sort.Strings(fks)
	return fks
}
