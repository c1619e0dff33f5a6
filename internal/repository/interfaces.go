package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/recordtrail/internal/domain"
)

// Store is the backing-store contract the write orchestrator and history
// engine depend on. Implementations must provide all-or-nothing execution of
// the steps issued inside WithTx and eager association loading on reads.
type Store interface {
	Reader

	// WithTx executes fn within one transaction; any error rolls the whole
	// transaction back, including already-applied mutations.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the mutation surface available inside one transaction. Statements are
// issued sequentially; implementations need not support concurrent use.
type Tx interface {
	// InsertRecord persists a new mutable row, creating loaded nested
	// associations transitively and stamping child foreign keys.
	InsertRecord(ctx context.Context, rec *domain.Record) error

	// ApplyChangeset persists an update described by cs and returns the
	// post-mutation record with its affected associations loaded. Children
	// staged as replaced or deleted are physically removed.
	ApplyChangeset(ctx context.Context, cs *domain.Changeset) (*domain.Record, error)

	// DeleteRecord physically removes the row; version rows are untouched.
	DeleteRecord(ctx context.Context, typ string, id uuid.UUID) error

	// InsertVersions appends version rows. Append-only: nothing in this
	// module ever updates or deletes them.
	InsertVersions(ctx context.Context, versions []*domain.Version) error
}

// Reader is the query surface. Lookups that find nothing return nil results,
// never an error.
type Reader interface {
	// GetRecord fetches a mutable row by identifier, eagerly loading the
	// named associations.
	GetRecord(ctx context.Context, typ string, id uuid.UUID, assocs ...string) (*domain.Record, error)

	// ListVersions returns an entity's versions newest-first by inserted_at,
	// capped at limit when limit > 0.
	ListVersions(ctx context.Context, typ string, entityID uuid.UUID, limit int) ([]*domain.VersionRow, error)

	// GetVersion looks a version row up by its own identifier.
	GetVersion(ctx context.Context, typ string, versionID uuid.UUID) (*domain.VersionRow, error)

	// LatestVersionAt returns the newest version of the entity whose
	// inserted_at is at or before the cutoff.
	LatestVersionAt(ctx context.Context, typ string, entityID uuid.UUID, at time.Time) (*domain.VersionRow, error)

	// LatestVersionsLinkedAt returns, per distinct entity ever linked to
	// ownerID through fkField, the newest version at or before the cutoff,
	// excluding entities whose qualifying version is flagged deleted.
	LatestVersionsLinkedAt(ctx context.Context, typ string, fkField string, ownerID uuid.UUID, at time.Time) ([]*domain.VersionRow, error)

	// ListLinkedRecords returns the current mutable rows linked to ownerID
	// through fkField. Untracked types have no version tables, so their
	// association state is always read live.
	ListLinkedRecords(ctx context.Context, typ string, fkField string, ownerID uuid.UUID) ([]*domain.Record, error)
}
