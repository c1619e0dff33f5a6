package trail

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/recordtrail/internal/domain"
)

func TestHistory_LimitCapsNewestFirst(t *testing.T) {
	tr, store := newTestTrail(t)
	ctx := context.Background()

	car := carWithWheels("Toad")
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	for _, name := range []string{"Magnificent", "Lightning"} {
		before, _ := store.GetRecord(ctx, "cars", car.ID)
		after := before.Clone()
		after.SetField("name", name)
		cs, _ := domain.DiffChangeset(tr.Registry(), before, after)
		if _, err := tr.Update(ctx, cs); err != nil {
			t.Fatalf("expected update to succeed, got %v", err)
		}
	}

	rows, err := tr.History(ctx, "cars", car.ID, HistoryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("expected history to succeed, got %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected the limit honored, got %d rows", len(rows))
	}
	if rows[0].Fields["name"] != "Lightning" || rows[1].Fields["name"] != "Magnificent" {
		t.Fatalf("expected the two newest states, got %v then %v", rows[0].Fields["name"], rows[1].Fields["name"])
	}
}

func TestGetLastVersion(t *testing.T) {
	tr, _ := newTestTrail(t)
	ctx := context.Background()

	missing, err := tr.GetLastVersion(ctx, "cars", uuid.New())
	if err != nil || missing != nil {
		t.Fatalf("expected nil for an unversioned entity, got %v / %v", missing, err)
	}

	car := carWithWheels("Toad")
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	last, err := tr.GetLastVersion(ctx, "cars", car.ID)
	if err != nil || last == nil {
		t.Fatalf("expected the last version, got %v / %v", last, err)
	}
	if last.ID != car.VersionID {
		t.Fatalf("expected the version stamped on the record")
	}
}

func TestGetVersion_ByIdentifier(t *testing.T) {
	tr, _ := newTestTrail(t)
	ctx := context.Background()

	car := carWithWheels("Toad")
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}

	row, err := tr.GetVersion(ctx, "cars", car.VersionID)
	if err != nil || row == nil || row.RefID != car.ID {
		t.Fatalf("expected the version row by id, got %v / %v", row, err)
	}
	if gone, _ := tr.GetVersion(ctx, "cars", uuid.New()); gone != nil {
		t.Fatalf("expected nil for an unknown version id")
	}
}

func TestHistory_SurvivesPhysicalDeletion(t *testing.T) {
	tr, _ := newTestTrail(t)
	ctx := context.Background()

	car := carWithWheels("Toad")
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	if _, err := tr.Delete(ctx, car); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}

	rows := history(t, tr, "cars", car.ID)
	if len(rows) != 2 {
		t.Fatalf("the chain must outlive the row, got %d versions", len(rows))
	}
	if !rows[0].IsDeleted || rows[1].IsDeleted {
		t.Fatalf("expected exactly the newest version deletion-marked")
	}
	if rows[0].Fields["name"] != "Toad" {
		t.Fatalf("the terminal version must hold the last known state")
	}
}

func TestReconstructAssociations_ToOneResolvesAtTheRowsTimestamp(t *testing.T) {
	tr, store := newTestTrail(t)
	ctx := context.Background()

	oldEngine := domain.NewRecord("engines", map[string]any{"model": "V6"})
	car := domain.NewRecord("cars", map[string]any{"name": "Toad"})
	car.PutOne("engine", oldEngine)
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	firstVersion, _ := tr.GetLastVersion(ctx, "cars", car.ID)

	// Swap the engine; the old car version must still see the old engine.
	before, _ := store.GetRecord(ctx, "cars", car.ID)
	after := before.Clone()
	after.PutOne("engine", domain.NewRecord("engines", map[string]any{"model": "V8"}))
	cs, _ := domain.DiffChangeset(tr.Registry(), before, after)
	if _, err := tr.Update(ctx, cs); err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}

	if err := tr.ReconstructAssociations(ctx, firstVersion, "engine"); err != nil {
		t.Fatalf("expected reconstruction to succeed, got %v", err)
	}
	engineRow, ok := firstVersion.Associations["engine"].(*domain.VersionRow)
	if !ok || engineRow == nil {
		t.Fatalf("expected an engine version attached, got %v", firstVersion.Associations["engine"])
	}
	if engineRow.RefID != oldEngine.ID || engineRow.Fields["model"] != "V6" {
		t.Fatalf("expected the engine as of the car version's timestamp, got %v", engineRow.Fields)
	}
}

func TestReconstructAssociations_ToManyFiltersMembersDeletedByTheCutoff(t *testing.T) {
	tr, store := newTestTrail(t)
	ctx := context.Background()

	car := carWithWheels("Toad", "front_left", "front_right")
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}

	before, _ := store.GetRecord(ctx, "cars", car.ID)
	wheels := before.Association("wheels").(domain.Many).Records
	kept, removed := wheels[0], wheels[1]

	after := before.Clone()
	after.SetField("name", "Magnificent")
	after.PutMany("wheels", []*domain.Record{kept.Clone()})
	cs, _ := domain.DiffChangeset(tr.Registry(), before, after)
	if _, err := tr.Update(ctx, cs); err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}

	// At the first version's timestamp both wheels existed.
	rows := history(t, tr, "cars", car.ID)
	first, second := rows[1], rows[0]
	if err := tr.ReconstructAssociations(ctx, first, "wheels"); err != nil {
		t.Fatalf("expected reconstruction to succeed, got %v", err)
	}
	early, ok := first.Associations["wheels"].([]*domain.VersionRow)
	if !ok || len(early) != 2 {
		t.Fatalf("expected both wheels at the first version, got %v", first.Associations["wheels"])
	}

	// At the second version's timestamp the removed wheel is buried.
	if err := tr.ReconstructAssociations(ctx, second, "wheels"); err != nil {
		t.Fatalf("expected reconstruction to succeed, got %v", err)
	}
	late, ok := second.Associations["wheels"].([]*domain.VersionRow)
	if !ok || len(late) != 1 {
		t.Fatalf("expected one wheel after the removal, got %v", second.Associations["wheels"])
	}
	if late[0].RefID != kept.ID || late[0].RefID == removed.ID {
		t.Fatalf("expected the surviving wheel, got %v", late[0].RefID)
	}
}

func TestReconstructAssociations_UntrackedTargetsReadCurrentState(t *testing.T) {
	tr, _ := newTestTrail(t)
	ctx := context.Background()

	sticker := domain.NewRecord("stickers", map[string]any{"label": "racing"})
	car := domain.NewRecord("cars", map[string]any{"name": "Toad"})
	car.PutMany("stickers", []*domain.Record{sticker})
	car.PutMany("wheels", nil)
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	version, _ := tr.GetLastVersion(ctx, "cars", car.ID)

	if err := tr.ReconstructAssociations(ctx, version, "stickers"); err != nil {
		t.Fatalf("expected reconstruction to succeed, got %v", err)
	}
	current, ok := version.Associations["stickers"].([]*domain.Record)
	if !ok || len(current) != 1 || current[0].Fields["label"] != "racing" {
		t.Fatalf("expected the live sticker rows, got %v", version.Associations["stickers"])
	}
}

func TestVersionAt_BeforeExistenceIsNil(t *testing.T) {
	tr, _ := newTestTrail(t)
	ctx := context.Background()

	car := carWithWheels("Toad")
	if _, err := tr.Insert(ctx, car); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	last, _ := tr.GetLastVersion(ctx, "cars", car.ID)

	row, err := tr.VersionAt(ctx, "cars", car.ID, last.InsertedAt.Add(-time.Minute))
	if err != nil || row != nil {
		t.Fatalf("expected nil before the entity existed, got %v / %v", row, err)
	}
	at, _ := tr.VersionAt(ctx, "cars", car.ID, last.InsertedAt)
	if at == nil || at.ID != last.ID {
		t.Fatalf("expected the version at its own timestamp")
	}
}
