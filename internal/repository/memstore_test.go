package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/recordtrail/internal/domain"
)

func testRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	reg := domain.NewRegistry()
	reg.MustRegister(domain.Descriptor{
		Name:     "cars",
		Singular: "car",
		Tracked:  true,
		Fields: []domain.FieldDefinition{
			{Name: "name", Type: domain.FieldTypeString, Required: true},
		},
		Associations: []domain.Association{
			{Name: "engine", Target: "engines", Cardinality: domain.CardinalityOne, ForeignKey: "engine_id"},
			{Name: "wheels", Target: "wheels", Cardinality: domain.CardinalityMany, ForeignKey: "car_id"},
		},
	})
	reg.MustRegister(domain.Descriptor{
		Name:     "engines",
		Singular: "engine",
		Tracked:  true,
		Fields:   []domain.FieldDefinition{{Name: "model", Type: domain.FieldTypeString}},
	})
	reg.MustRegister(domain.Descriptor{
		Name:     "wheels",
		Singular: "wheel",
		Tracked:  true,
		Fields:   []domain.FieldDefinition{{Name: "position", Type: domain.FieldTypeString}},
		Associations: []domain.Association{
			{Name: "bolts", Target: "bolts", Cardinality: domain.CardinalityMany, ForeignKey: "wheel_id"},
		},
	})
	reg.MustRegister(domain.Descriptor{
		Name:     "bolts",
		Singular: "bolt",
		Tracked:  true,
		Fields:   []domain.FieldDefinition{{Name: "size", Type: domain.FieldTypeInteger}},
	})
	return reg
}

func insertCar(t *testing.T, store *MemStore, car *domain.Record) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertRecord(context.Background(), car)
	})
	if err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
}

func versionRow(typ string, refID uuid.UUID, at time.Time, deleted bool, fields map[string]any) *domain.Version {
	return &domain.Version{
		ID:         uuid.New(),
		Type:       typ,
		RefID:      refID,
		Fields:     fields,
		IsDeleted:  deleted,
		InsertedAt: at,
	}
}

func TestMemStore_InsertAndEagerLoad(t *testing.T) {
	reg := testRegistry(t)
	store := NewMemStore(reg)
	ctx := context.Background()

	engine := domain.NewRecord("engines", map[string]any{"model": "V8"})
	wheel := domain.NewRecord("wheels", map[string]any{"position": "front_left"})
	car := domain.NewRecord("cars", map[string]any{"name": "Toad"})
	car.PutOne("engine", engine)
	car.PutMany("wheels", []*domain.Record{wheel})

	insertCar(t, store, car)

	loaded, err := store.GetRecord(ctx, "cars", car.ID)
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}
	if loaded == nil || loaded.Fields["name"] != "Toad" {
		t.Fatalf("expected the stored car back, got %+v", loaded)
	}
	one, ok := loaded.Association("engine").(domain.One)
	if !ok || one.Record == nil || one.Record.Fields["model"] != "V8" {
		t.Fatalf("expected the engine loaded, got %v", loaded.Association("engine"))
	}
	many, ok := loaded.Association("wheels").(domain.Many)
	if !ok || len(many.Records) != 1 {
		t.Fatalf("expected one wheel loaded, got %v", loaded.Association("wheels"))
	}
	if many.Records[0].Fields["car_id"] != car.ID {
		t.Fatalf("expected the foreign key stamped on the wheel")
	}
}

func TestMemStore_GetRecordMissingReturnsNil(t *testing.T) {
	store := NewMemStore(testRegistry(t))
	rec, err := store.GetRecord(context.Background(), "cars", uuid.New())
	if err != nil {
		t.Fatalf("absence is not an error, got %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for a missing row, got %+v", rec)
	}
}

func TestMemStore_WithTxRollsBackOnError(t *testing.T) {
	reg := testRegistry(t)
	store := NewMemStore(reg)
	ctx := context.Background()

	boom := errors.New("boom")
	car := domain.NewRecord("cars", map[string]any{"name": "Toad"})
	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertRecord(ctx, car); err != nil {
			return err
		}
		if err := tx.InsertVersions(ctx, []*domain.Version{
			versionRow("cars", car.ID, time.Now(), false, map[string]any{"name": "Toad"}),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the inner error surfaced, got %v", err)
	}

	rec, _ := store.GetRecord(ctx, "cars", car.ID)
	if rec != nil {
		t.Fatalf("expected the record insert rolled back")
	}
	versions, _ := store.ListVersions(ctx, "cars", car.ID, 0)
	if len(versions) != 0 {
		t.Fatalf("expected the version insert rolled back, got %d rows", len(versions))
	}
}

func TestMemStore_ApplyChangesetRemovesOmittedChildrenTransitively(t *testing.T) {
	reg := testRegistry(t)
	store := NewMemStore(reg)
	ctx := context.Background()

	bolt := domain.NewRecord("bolts", map[string]any{"size": 14})
	wheel := domain.NewRecord("wheels", map[string]any{"position": "front_left"})
	wheel.PutMany("bolts", []*domain.Record{bolt})
	car := domain.NewRecord("cars", map[string]any{"name": "Toad"})
	car.PutMany("wheels", []*domain.Record{wheel})
	insertCar(t, store, car)

	cs := domain.NewChangeset(car)
	cs.PutAssociation("wheels", domain.ToManyChange{Elements: []domain.ElementChange{
		{Action: domain.ActionReplace, Old: wheel},
	}})

	var updated *domain.Record
	err := store.WithTx(ctx, func(tx Tx) error {
		var err error
		updated, err = tx.ApplyChangeset(ctx, cs)
		return err
	})
	if err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}

	many, _ := updated.Association("wheels").(domain.Many)
	if len(many.Records) != 0 {
		t.Fatalf("expected the wheel removed, got %d", len(many.Records))
	}
	if gone, _ := store.GetRecord(ctx, "bolts", bolt.ID); gone != nil {
		t.Fatalf("expected the bolt cascaded away with its wheel")
	}
}

func TestMemStore_ListVersionsNewestFirstWithLimit(t *testing.T) {
	store := NewMemStore(testRegistry(t))
	ctx := context.Background()
	carID := uuid.New()
	base := time.Now()

	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertVersions(ctx, []*domain.Version{
			versionRow("cars", carID, base, false, map[string]any{"name": "Toad"}),
			versionRow("cars", carID, base.Add(time.Second), false, map[string]any{"name": "Magnificent"}),
			versionRow("cars", carID, base.Add(2*time.Second), true, map[string]any{"name": "Magnificent"}),
		})
	})
	if err != nil {
		t.Fatalf("expected version insert to succeed, got %v", err)
	}

	rows, err := store.ListVersions(ctx, "cars", carID, 0)
	if err != nil {
		t.Fatalf("expected list to succeed, got %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected the full chain, got %d", len(rows))
	}
	if !rows[0].IsDeleted || rows[2].Fields["name"] != "Toad" {
		t.Fatalf("expected newest-first ordering")
	}

	capped, _ := store.ListVersions(ctx, "cars", carID, 1)
	if len(capped) != 1 || !capped[0].IsDeleted {
		t.Fatalf("expected the limit to keep the newest row")
	}
}

func TestMemStore_LatestVersionAtRespectsCutoff(t *testing.T) {
	store := NewMemStore(testRegistry(t))
	ctx := context.Background()
	carID := uuid.New()
	base := time.Now()

	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertVersions(ctx, []*domain.Version{
			versionRow("cars", carID, base, false, map[string]any{"name": "Toad"}),
			versionRow("cars", carID, base.Add(time.Hour), false, map[string]any{"name": "Magnificent"}),
		})
	})
	if err != nil {
		t.Fatalf("expected version insert to succeed, got %v", err)
	}

	row, err := store.LatestVersionAt(ctx, "cars", carID, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("expected lookup to succeed, got %v", err)
	}
	if row == nil || row.Fields["name"] != "Toad" {
		t.Fatalf("expected the pre-cutoff state, got %+v", row)
	}

	before, _ := store.LatestVersionAt(ctx, "cars", carID, base.Add(-time.Minute))
	if before != nil {
		t.Fatalf("expected nil before the entity existed, got %+v", before)
	}
}

func TestMemStore_LatestVersionsLinkedAtFiltersDeleted(t *testing.T) {
	store := NewMemStore(testRegistry(t))
	ctx := context.Background()
	carID := uuid.New()
	keptID := uuid.New()
	removedID := uuid.New()
	base := time.Now()

	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertVersions(ctx, []*domain.Version{
			versionRow("wheels", keptID, base, false, map[string]any{"position": "front_left", "car_id": carID}),
			versionRow("wheels", removedID, base, false, map[string]any{"position": "front_right", "car_id": carID}),
			versionRow("wheels", removedID, base.Add(time.Second), true, map[string]any{"position": "front_right", "car_id": carID}),
		})
	})
	if err != nil {
		t.Fatalf("expected version insert to succeed, got %v", err)
	}

	rows, err := store.LatestVersionsLinkedAt(ctx, "wheels", "car_id", carID, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("expected lookup to succeed, got %v", err)
	}
	if len(rows) != 1 || rows[0].RefID != keptID {
		t.Fatalf("expected only the surviving wheel, got %d rows", len(rows))
	}

	// Before the removal both wheels were present.
	earlier, _ := store.LatestVersionsLinkedAt(ctx, "wheels", "car_id", carID, base)
	if len(earlier) != 2 {
		t.Fatalf("expected both wheels at the earlier cutoff, got %d", len(earlier))
	}
}

func TestMemStore_ListLinkedRecords(t *testing.T) {
	reg := testRegistry(t)
	store := NewMemStore(reg)
	ctx := context.Background()

	wheel := domain.NewRecord("wheels", map[string]any{"position": "front_left"})
	car := domain.NewRecord("cars", map[string]any{"name": "Toad"})
	car.PutMany("wheels", []*domain.Record{wheel})
	insertCar(t, store, car)

	rows, err := store.ListLinkedRecords(ctx, "wheels", "car_id", car.ID)
	if err != nil {
		t.Fatalf("expected lookup to succeed, got %v", err)
	}
	if len(rows) != 1 || rows[0].ID != wheel.ID {
		t.Fatalf("expected the linked wheel, got %d rows", len(rows))
	}

	none, _ := store.ListLinkedRecords(ctx, "wheels", "car_id", uuid.New())
	if len(none) != 0 {
		t.Fatalf("expected no rows for an unknown owner, got %d", len(none))
	}
}

func TestMemStore_FailNextVersionInsertIsOneShot(t *testing.T) {
	store := NewMemStore(testRegistry(t))
	ctx := context.Background()
	boom := errors.New("boom")
	store.FailNextVersionInsert(boom)

	row := versionRow("cars", uuid.New(), time.Now(), false, map[string]any{"name": "Toad"})
	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertVersions(ctx, []*domain.Version{row})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the armed failure, got %v", err)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertVersions(ctx, []*domain.Version{row})
	})
	if err != nil {
		t.Fatalf("expected the failure disarmed after one use, got %v", err)
	}
}
