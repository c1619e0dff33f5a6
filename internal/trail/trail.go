// Package trail is the write orchestrator and history query engine: it
// sequences mutable-row mutations with version derivation so that every
// materially-changing insert, update, and delete appends its history rows in
// the same transaction, and exposes the read side of the trail.
package trail

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/recordtrail/internal/domain"
	"github.com/rpattn/recordtrail/internal/repository"
)

const (
	stepInsertRecord   = "insert_record"
	stepApplyChangeset = "apply_changeset"
	stepDeleteRecord   = "delete_record"
	stepBuildVersions  = "build_versions"
	stepInsertVersions = "insert_versions"
)

// Trail orchestrates versioned writes against an injected store. All
// dependencies are explicit; there is no ambient repository lookup.
type Trail struct {
	registry *domain.Registry
	store    repository.Store
	clock    func() time.Time
}

// Option customizes a Trail.
type Option func(*Trail)

// WithClock overrides the timestamp source; tests pin it to control
// inserted_at values.
func WithClock(clock func() time.Time) Option {
	return func(t *Trail) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// New creates a Trail over the given registry and store.
func New(reg *domain.Registry, store repository.Store, opts ...Option) *Trail {
	t := &Trail{
		registry: reg,
		store:    store,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Registry exposes the descriptor table the trail was built over.
func (t *Trail) Registry() *domain.Registry {
	return t.registry
}

// Insert persists a new record together with its loaded associations and, for
// tracked types, one version row per entity in the created graph, all inside
// one transaction sharing one timestamp.
func (t *Trail) Insert(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	cs, err := domain.InsertChangeset(t.registry, rec)
	if err != nil {
		return nil, err
	}
	if err := cs.Validate(t.registry, true); err != nil {
		return nil, err
	}

	ts := t.clock()
	err = t.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return stepFailure(stepInsertRecord, err)
		}
		rows, err := domain.BuildVersion(t.registry, rec, domain.BuildOptions{Timestamp: ts})
		if err != nil {
			return stepFailure(stepBuildVersions, err)
		}
		if err := tx.InsertVersions(ctx, rows); err != nil {
			return stepFailure(stepInsertVersions, err)
		}
		stampVersionID(rec, rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a change descriptor: the mutable mutation, the version rows
// for everything that materially changed, and the deletion-marked rows for
// every child the update removed, atomically. A descriptor staging nothing
// appends nothing.
func (t *Trail) Update(ctx context.Context, cs *domain.Changeset) (*domain.Record, error) {
	if err := cs.Validate(t.registry, false); err != nil {
		return nil, err
	}

	ts := t.clock()
	var result *domain.Record
	err := t.store.WithTx(ctx, func(tx repository.Tx) error {
		rec, err := tx.ApplyChangeset(ctx, cs)
		if err != nil {
			return stepFailure(stepApplyChangeset, err)
		}

		rows, err := domain.BuildVersion(t.registry, rec, domain.BuildOptions{Timestamp: ts, Changeset: cs})
		if err != nil {
			return stepFailure(stepBuildVersions, err)
		}
		deleted, err := domain.DeletedVersions(t.registry, cs, domain.BuildOptions{Timestamp: ts})
		if err != nil {
			return stepFailure(stepBuildVersions, err)
		}
		rows = append(rows, deleted...)

		if err := tx.InsertVersions(ctx, rows); err != nil {
			return stepFailure(stepInsertVersions, err)
		}
		stampVersionID(rec, rows)
		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete physically removes the row and appends a terminal is_deleted version
// tree holding the entity's last known state. The mutable row disappears; the
// version chain stays queryable forever.
func (t *Trail) Delete(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	last, err := t.store.GetRecord(ctx, rec.Type, rec.ID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		last = rec
	}

	ts := t.clock()
	err = t.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.DeleteRecord(ctx, rec.Type, rec.ID); err != nil {
			return stepFailure(stepDeleteRecord, err)
		}
		rows, err := domain.BuildVersion(t.registry, last, domain.BuildOptions{Deleted: true, Timestamp: ts})
		if err != nil {
			return stepFailure(stepBuildVersions, err)
		}
		if err := tx.InsertVersions(ctx, rows); err != nil {
			return stepFailure(stepInsertVersions, err)
		}
		stampVersionID(last, rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// stepFailure wraps a sub-step error, letting business-rule rejections pass
// through unwrapped so callers see the structured validation failure.
func stepFailure(step string, err error) error {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return &StepError{Step: step, Err: err}
}

// stampVersionID records the root version id on the returned entity when the
// operation produced one for it.
func stampVersionID(rec *domain.Record, rows []*domain.Version) {
	for _, row := range rows {
		if row.RefID == rec.ID {
			rec.VersionID = row.ID
			return
		}
	}
	rec.VersionID = uuid.Nil
}
