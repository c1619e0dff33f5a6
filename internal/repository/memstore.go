package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/recordtrail/internal/domain"
)

// MemStore is an in-memory implementation of Store with snapshot-based
// transaction rollback. It mirrors the relational layout the Postgres store
// uses (flat rows linked by foreign-key fields) so the orchestrator and the
// history engine behave identically against either backend. Used heavily by
// tests; also handy as an embedded store for tooling.
type MemStore struct {
	mu       sync.Mutex
	registry *domain.Registry
	records  map[string]map[uuid.UUID]*domain.Record
	versions map[string][]*domain.VersionRow

	// versionInsertErr, when set, fails the next InsertVersions call once.
	// Lets tests engineer a mid-transaction step failure.
	versionInsertErr error
}

// NewMemStore creates an empty in-memory store over the given registry.
func NewMemStore(reg *domain.Registry) *MemStore {
	return &MemStore{
		registry: reg,
		records:  make(map[string]map[uuid.UUID]*domain.Record),
		versions: make(map[string][]*domain.VersionRow),
	}
}

// FailNextVersionInsert arms a one-shot failure for the next version insert.
func (s *MemStore) FailNextVersionInsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionInsertErr = err
}

// WithTx runs fn against a transaction view; on error every mutation made
// inside fn is discarded by restoring the pre-transaction snapshot.
func (s *MemStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordsSnap := s.snapshotRecords()
	versionsSnap := s.snapshotVersions()

	if err := fn(&memTx{store: s}); err != nil {
		s.records = recordsSnap
		s.versions = versionsSnap
		return err
	}
	return nil
}

type memTx struct {
	store *MemStore
}

func (t *memTx) InsertRecord(ctx context.Context, rec *domain.Record) error {
	return t.store.insertRecordLocked(rec)
}

func (t *memTx) ApplyChangeset(ctx context.Context, cs *domain.Changeset) (*domain.Record, error) {
	return t.store.applyChangesetLocked(cs)
}

func (t *memTx) DeleteRecord(ctx context.Context, typ string, id uuid.UUID) error {
	return t.store.deleteRecordLocked(typ, id)
}

func (t *memTx) InsertVersions(ctx context.Context, versions []*domain.Version) error {
	return t.store.insertVersionsLocked(versions)
}

func (s *MemStore) table(typ string) map[uuid.UUID]*domain.Record {
	tbl, ok := s.records[typ]
	if !ok {
		tbl = make(map[uuid.UUID]*domain.Record)
		s.records[typ] = tbl
	}
	return tbl
}

func (s *MemStore) insertRecordLocked(rec *domain.Record) error {
	d, ok := s.registry.Lookup(rec.Type)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, rec.Type)
	}
	tbl := s.table(rec.Type)
	if _, exists := tbl[rec.ID]; exists {
		return fmt.Errorf("duplicate %s row %s", rec.Type, rec.ID)
	}

	row := &domain.Record{
		Type:      rec.Type,
		ID:        rec.ID,
		Fields:    cloneFieldMap(rec.Fields),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	for _, assoc := range d.Associations {
		value := rec.Association(assoc.Name)
		switch v := value.(type) {
		case domain.Unloaded, domain.Untracked:
			continue
		case domain.One:
			if v.Record == nil {
				continue
			}
			if err := s.insertRecordLocked(v.Record); err != nil {
				return err
			}
			row.Fields[assoc.ForeignKey] = v.Record.ID
			rec.SetField(assoc.ForeignKey, v.Record.ID)
		case domain.Many:
			for _, child := range v.Records {
				child.SetField(assoc.ForeignKey, rec.ID)
				if err := s.insertRecordLocked(child); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: %s.%s holds %T", domain.ErrAssociationShape, d.Name, assoc.Name, value)
		}
	}

	tbl[rec.ID] = row
	return nil
}

func (s *MemStore) applyChangesetLocked(cs *domain.Changeset) (*domain.Record, error) {
	d, ok := s.registry.Lookup(cs.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, cs.Type)
	}
	row, exists := s.table(cs.Type)[cs.EntityID]
	if !exists {
		return nil, fmt.Errorf("%s row %s not found", cs.Type, cs.EntityID)
	}

	for name, value := range cs.Changes {
		row.Fields[name] = value
	}
	row.UpdatedAt = time.Now()

	for name, change := range cs.Associations {
		assoc, known := d.Association(name)
		if !known {
			return nil, fmt.Errorf("%w: %s has no association %q", domain.ErrAssociationShape, d.Name, name)
		}
		switch c := change.(type) {
		case domain.ToOneChange:
			if err := s.applyToOneLocked(row, assoc, c); err != nil {
				return nil, err
			}
		case domain.ToManyChange:
			for _, el := range c.Elements {
				if err := s.applyElementLocked(row, assoc, el); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("%w: %s.%s delta is %T", domain.ErrAssociationShape, d.Name, assoc.Name, change)
		}
	}

	return s.loadRecordLocked(cs.Type, cs.EntityID, nil)
}

func (s *MemStore) applyToOneLocked(owner *domain.Record, assoc domain.Association, c domain.ToOneChange) error {
	switch c.Action {
	case domain.ActionInsert:
		if c.Changeset == nil || c.Changeset.Data == nil {
			return nil
		}
		if err := s.insertRecordLocked(c.Changeset.Data); err != nil {
			return err
		}
		owner.Fields[assoc.ForeignKey] = c.Changeset.EntityID
	case domain.ActionUpdate:
		if c.Changeset == nil {
			return nil
		}
		_, err := s.applyChangesetLocked(c.Changeset)
		return err
	case domain.ActionReplace:
		if c.Old != nil {
			if err := s.hardDeleteLocked(assoc.Target, c.Old.ID); err != nil {
				return err
			}
		}
		owner.Fields[assoc.ForeignKey] = nil
		if c.Changeset != nil && c.Changeset.Data != nil {
			if err := s.insertRecordLocked(c.Changeset.Data); err != nil {
				return err
			}
			owner.Fields[assoc.ForeignKey] = c.Changeset.EntityID
		}
	case domain.ActionDelete:
		if c.Old != nil {
			if err := s.hardDeleteLocked(assoc.Target, c.Old.ID); err != nil {
				return err
			}
		}
		owner.Fields[assoc.ForeignKey] = nil
	}
	return nil
}

func (s *MemStore) applyElementLocked(owner *domain.Record, assoc domain.Association, el domain.ElementChange) error {
	switch el.Action {
	case domain.ActionInsert:
		if el.Changeset == nil || el.Changeset.Data == nil {
			return nil
		}
		child := el.Changeset.Data
		child.SetField(assoc.ForeignKey, owner.ID)
		return s.insertRecordLocked(child)
	case domain.ActionUpdate:
		if el.Changeset == nil {
			return nil
		}
		_, err := s.applyChangesetLocked(el.Changeset)
		return err
	case domain.ActionReplace, domain.ActionDelete:
		if el.Old == nil {
			return nil
		}
		return s.hardDeleteLocked(assoc.Target, el.Old.ID)
	}
	return fmt.Errorf("%w: element action %q", domain.ErrAssociationShape, el.Action)
}

func (s *MemStore) deleteRecordLocked(typ string, id uuid.UUID) error {
	if _, exists := s.table(typ)[id]; !exists {
		return fmt.Errorf("%s row %s not found", typ, id)
	}
	return s.hardDeleteLocked(typ, id)
}

// hardDeleteLocked removes a row and, mirroring ON DELETE CASCADE, every row
// hanging off it through a to-many association.
func (s *MemStore) hardDeleteLocked(typ string, id uuid.UUID) error {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	delete(s.table(typ), id)

	for _, assoc := range d.Associations {
		if assoc.Cardinality != domain.CardinalityMany {
			continue
		}
		for childID, child := range s.table(assoc.Target) {
			if fk, ok := child.Fields[assoc.ForeignKey].(uuid.UUID); ok && fk == id {
				if err := s.hardDeleteLocked(assoc.Target, childID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *MemStore) insertVersionsLocked(versions []*domain.Version) error {
	if s.versionInsertErr != nil {
		err := s.versionInsertErr
		s.versionInsertErr = nil
		return err
	}
	for _, v := range versions {
		row := &domain.VersionRow{
			ID:         v.ID,
			Type:       v.Type,
			RefID:      v.RefID,
			Fields:     cloneFieldMap(v.Fields),
			IsDeleted:  v.IsDeleted,
			InsertedAt: v.InsertedAt,
		}
		s.versions[v.Type] = append(s.versions[v.Type], row)
	}
	return nil
}

// loadRecordLocked materializes a row with its associations eagerly loaded,
// recursively, guarding against cyclic graphs.
func (s *MemStore) loadRecordLocked(typ string, id uuid.UUID, visiting map[uuid.UUID]bool) (*domain.Record, error) {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	row, exists := s.table(typ)[id]
	if !exists {
		return nil, nil
	}
	if visiting == nil {
		visiting = make(map[uuid.UUID]bool)
	}
	if visiting[id] {
		return row.Clone(), nil
	}
	visiting[id] = true
	defer delete(visiting, id)

	out := &domain.Record{
		Type:         typ,
		ID:           id,
		Fields:       cloneFieldMap(row.Fields),
		Associations: make(map[string]domain.AssociationValue),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}

	for _, assoc := range d.Associations {
		switch assoc.Cardinality {
		case domain.CardinalityOne:
			fk, ok := row.Fields[assoc.ForeignKey].(uuid.UUID)
			if !ok {
				out.Associations[assoc.Name] = domain.One{}
				continue
			}
			child, err := s.loadRecordLocked(assoc.Target, fk, visiting)
			if err != nil {
				return nil, err
			}
			out.Associations[assoc.Name] = domain.One{Record: child}
		case domain.CardinalityMany:
			var children []*domain.Record
			for childID, child := range s.table(assoc.Target) {
				if fk, ok := child.Fields[assoc.ForeignKey].(uuid.UUID); ok && fk == id {
					loaded, err := s.loadRecordLocked(assoc.Target, childID, visiting)
					if err != nil {
						return nil, err
					}
					children = append(children, loaded)
				}
			}
			sort.Slice(children, func(i, j int) bool {
				return children[i].CreatedAt.Before(children[j].CreatedAt)
			})
			out.Associations[assoc.Name] = domain.Many{Records: children}
		}
	}

	return out, nil
}

func (s *MemStore) GetRecord(ctx context.Context, typ string, id uuid.UUID, assocs ...string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Associations are cheap to materialize in memory; the assocs hint only
	// matters to the SQL store.
	return s.loadRecordLocked(typ, id, nil)
}

func (s *MemStore) ListVersions(ctx context.Context, typ string, entityID uuid.UUID, limit int) ([]*domain.VersionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*domain.VersionRow
	for _, v := range s.versions[typ] {
		if v.RefID == entityID {
			rows = append(rows, cloneVersionRow(v))
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].InsertedAt.After(rows[j].InsertedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemStore) GetVersion(ctx context.Context, typ string, versionID uuid.UUID) (*domain.VersionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions[typ] {
		if v.ID == versionID {
			return cloneVersionRow(v), nil
		}
	}
	return nil, nil
}

func (s *MemStore) LatestVersionAt(ctx context.Context, typ string, entityID uuid.UUID, at time.Time) (*domain.VersionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.VersionRow
	for _, v := range s.versions[typ] {
		if v.RefID != entityID || v.InsertedAt.After(at) {
			continue
		}
		if best == nil || v.InsertedAt.After(best.InsertedAt) || v.InsertedAt.Equal(best.InsertedAt) {
			best = v
		}
	}
	return cloneVersionRow(best), nil
}

func (s *MemStore) LatestVersionsLinkedAt(ctx context.Context, typ string, fkField string, ownerID uuid.UUID, at time.Time) ([]*domain.VersionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[uuid.UUID]*domain.VersionRow)
	for _, v := range s.versions[typ] {
		fk, ok := v.Fields[fkField].(uuid.UUID)
		if !ok || fk != ownerID || v.InsertedAt.After(at) {
			continue
		}
		if prev, seen := latest[v.RefID]; !seen || v.InsertedAt.After(prev.InsertedAt) || v.InsertedAt.Equal(prev.InsertedAt) {
			latest[v.RefID] = v
		}
	}

	var rows []*domain.VersionRow
	for _, v := range latest {
		if v.IsDeleted {
			continue
		}
		rows = append(rows, cloneVersionRow(v))
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].InsertedAt.Before(rows[j].InsertedAt)
	})
	return rows, nil
}

func (s *MemStore) ListLinkedRecords(ctx context.Context, typ string, fkField string, ownerID uuid.UUID) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Record
	for id, row := range s.table(typ) {
		if fk, ok := row.Fields[fkField].(uuid.UUID); ok && fk == ownerID {
			loaded, err := s.loadRecordLocked(typ, id, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, loaded)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) snapshotRecords() map[string]map[uuid.UUID]*domain.Record {
	snap := make(map[string]map[uuid.UUID]*domain.Record, len(s.records))
	for typ, tbl := range s.records {
		cp := make(map[uuid.UUID]*domain.Record, len(tbl))
		for id, row := range tbl {
			cp[id] = row.Clone()
		}
		snap[typ] = cp
	}
	return snap
}

func (s *MemStore) snapshotVersions() map[string][]*domain.VersionRow {
	snap := make(map[string][]*domain.VersionRow, len(s.versions))
	for typ, rows := range s.versions {
		cp := make([]*domain.VersionRow, len(rows))
		for i, row := range rows {
			cp[i] = cloneVersionRow(row)
		}
		snap[typ] = cp
	}
	return snap
}

func cloneFieldMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func cloneVersionRow(v *domain.VersionRow) *domain.VersionRow {
	if v == nil {
		return nil
	}
	return &domain.VersionRow{
		ID:         v.ID,
		Type:       v.Type,
		RefID:      v.RefID,
		Fields:     cloneFieldMap(v.Fields),
		IsDeleted:  v.IsDeleted,
		InsertedAt: v.InsertedAt,
	}
}
