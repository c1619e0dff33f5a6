package trail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/recordtrail/internal/domain"
)

// HistoryOptions tunes a history listing.
type HistoryOptions struct {
	// Limit caps the number of versions returned; zero means no cap.
	Limit int
}

// History returns an entity's version chain, newest first. Physically deleted
// entities keep their full chain; the terminal row is flagged deleted.
func (t *Trail) History(ctx context.Context, typ string, entityID uuid.UUID, opts HistoryOptions) ([]*domain.VersionRow, error) {
	return t.store.ListVersions(ctx, typ, entityID, opts.Limit)
}

// GetVersion fetches a single version row by its own identifier. Returns nil
// when no such version exists.
func (t *Trail) GetVersion(ctx context.Context, typ string, versionID uuid.UUID) (*domain.VersionRow, error) {
	return t.store.GetVersion(ctx, typ, versionID)
}

// GetLastVersion returns the entity's newest version, or nil if the entity
// was never versioned.
func (t *Trail) GetLastVersion(ctx context.Context, typ string, entityID uuid.UUID) (*domain.VersionRow, error) {
	rows, err := t.store.ListVersions(ctx, typ, entityID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// VersionAt returns the entity's state as of the cutoff: the newest version
// whose inserted_at does not exceed it. Nil when the entity did not exist yet.
func (t *Trail) VersionAt(ctx context.Context, typ string, entityID uuid.UUID, at time.Time) (*domain.VersionRow, error) {
	return t.store.LatestVersionAt(ctx, typ, entityID, at)
}

// ReconstructAssociations resolves the named associations of a version row as
// of that row's own timestamp and attaches the results to the row. With no
// names given every association of the type is reconstructed.
//
// Tracked to-one targets resolve to the child's latest version at the cutoff,
// deleted or not, so a snapshot taken mid-history still shows who the child
// was. Tracked to-many targets resolve to the per-child latest versions at
// the cutoff with deleted children filtered out. Untracked targets have no
// version tables and always resolve to current mutable rows.
//
// Reconstruction goes one level deep; reconstructed child version rows can be
// passed back in to walk further down the graph.
func (t *Trail) ReconstructAssociations(ctx context.Context, row *domain.VersionRow, names ...string) error {
	if row == nil {
		return nil
	}
	d, ok := t.registry.Lookup(row.Type)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, row.Type)
	}

	if len(names) == 0 {
		for _, assoc := range d.Associations {
			names = append(names, assoc.Name)
		}
	}

	for _, name := range names {
		assoc, known := d.Association(name)
		if !known {
			return fmt.Errorf("%w: %s has no association %q", domain.ErrUnknownAssociation, d.Name, name)
		}
		target, ok := t.registry.Lookup(assoc.Target)
		if !ok {
			return fmt.Errorf("%w: %q", domain.ErrUnknownType, assoc.Target)
		}
		if err := t.reconstructOne(ctx, row, assoc, target); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trail) reconstructOne(ctx context.Context, row *domain.VersionRow, assoc domain.Association, target domain.Descriptor) error {
	switch assoc.Cardinality {
	case domain.CardinalityOne:
		fk, ok := row.Fields[assoc.ForeignKey].(uuid.UUID)
		if !ok {
			row.PutAssociation(assoc.Name, nil)
			return nil
		}
		if !target.Tracked {
			rec, err := t.store.GetRecord(ctx, target.Name, fk)
			if err != nil {
				return err
			}
			row.PutAssociation(assoc.Name, rec)
			return nil
		}
		child, err := t.store.LatestVersionAt(ctx, target.Name, fk, row.InsertedAt)
		if err != nil {
			return err
		}
		row.PutAssociation(assoc.Name, child)
	case domain.CardinalityMany:
		if !target.Tracked {
			recs, err := t.store.ListLinkedRecords(ctx, target.Name, assoc.ForeignKey, row.RefID)
			if err != nil {
				return err
			}
			row.PutAssociation(assoc.Name, recs)
			return nil
		}
		children, err := t.store.LatestVersionsLinkedAt(ctx, target.Name, assoc.ForeignKey, row.RefID, row.InsertedAt)
		if err != nil {
			return err
		}
		row.PutAssociation(assoc.Name, children)
	}
	return nil
}
