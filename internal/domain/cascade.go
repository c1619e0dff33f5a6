package domain

import (
	"fmt"
)

// DeletedVersions synthesizes deletion-marked version payloads for every child
// entity an update removed, at every nesting depth. A submitted collection
// that omits a previously-present member hard-deletes that member's row; its
// removal is still historically significant, so it gets a final is_deleted
// version even though no explicit delete was called for it.
//
// Output order across siblings is unspecified. Untracked associations never
// produce rows here; their physical removal is the storage layer's concern.
func DeletedVersions(reg *Registry, cs *Changeset, opts BuildOptions) ([]*Version, error) {
	if cs == nil {
		return nil, nil
	}
	d, ok := reg.Lookup(cs.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cs.Type)
	}

	var rows []*Version
	for name, change := range cs.Associations {
		assoc, known := d.Association(name)
		if !known {
			return nil, fmt.Errorf("%w: %s has no association %q", ErrAssociationShape, d.Name, name)
		}
		target, err := reg.Target(d, assoc)
		if err != nil {
			return nil, err
		}
		if !target.Tracked {
			continue
		}

		switch c := change.(type) {
		case ToOneChange:
			sub, err := deletedForElement(reg, c.Action, c.Old, c.Changeset, opts)
			if err != nil {
				return nil, err
			}
			rows = append(rows, sub...)
		case ToManyChange:
			for _, el := range c.Elements {
				sub, err := deletedForElement(reg, el.Action, el.Old, el.Changeset, opts)
				if err != nil {
					return nil, err
				}
				rows = append(rows, sub...)
			}
		default:
			return nil, fmt.Errorf("%w: %s.%s delta is %T", ErrAssociationShape, d.Name, assoc.Name, change)
		}
	}
	return rows, nil
}

func deletedForElement(reg *Registry, action ChangeAction, old *Record, child *Changeset, opts BuildOptions) ([]*Version, error) {
	switch action {
	case ActionReplace, ActionDelete:
		if old == nil {
			return nil, nil
		}
		// The builder's deletion path, with no change suppression: the removed
		// entity and each of its loaded tracked descendants get one terminal
		// row apiece, since removing a parent implicitly removes its children.
		return BuildVersion(reg, old, BuildOptions{Deleted: true, Timestamp: opts.Timestamp})
	case ActionUpdate:
		// A member modified in place stays present, but its own delta may
		// remove grandchildren.
		return DeletedVersions(reg, child, opts)
	case ActionInsert:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: element action %q", ErrAssociationShape, action)
}
