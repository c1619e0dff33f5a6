package db

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/recordtrail/internal/domain"
)

// recordingExecer captures every statement instead of hitting a database.
type recordingExecer struct {
	statements []string
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.statements = append(r.statements, sql)
	return pgconn.CommandTag{}, nil
}

func testRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	reg := domain.NewRegistry()
	reg.MustRegister(domain.Descriptor{
		Name:     "cars",
		Singular: "car",
		Tracked:  true,
		Fields: []domain.FieldDefinition{
			{Name: "name", Type: domain.FieldTypeString, Required: true},
			{Name: "mileage", Type: domain.FieldTypeInteger},
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
	})
	reg.MustRegister(domain.Descriptor{
		Name:     "stickers",
		Singular: "sticker",
		Tracked:  false,
		Fields:   []domain.FieldDefinition{{Name: "label", Type: domain.FieldTypeString}},
	})
	return reg
}

func TestCreateTableSQL(t *testing.T) {
	reg := testRegistry(t)
	d, _ := reg.Lookup("cars")

	sql := CreateTableSQL(reg, d)
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "cars"`,
		"id uuid PRIMARY KEY",
		`"name" text NOT NULL`,
		`"mileage" bigint`,
		`"engine_id" uuid`,
		"created_at timestamptz NOT NULL DEFAULT now()",
		"updated_at timestamptz NOT NULL DEFAULT now()",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in:\n%s", want, sql)
		}
	}
	if strings.Contains(sql, "REFERENCES") {
		t.Fatalf("table creation must not inline constraints:\n%s", sql)
	}
}

func TestCreateVersionTableSQL(t *testing.T) {
	reg := testRegistry(t)
	d, _ := reg.Lookup("wheels")

	sql := CreateVersionTableSQL(reg, d)
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "wheel_versions"`,
		`"wheel_id" uuid NOT NULL`,
		`"position" text`,
		`"car_id" uuid`,
		"is_deleted boolean NOT NULL DEFAULT false",
		"inserted_at timestamptz NOT NULL",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in:\n%s", want, sql)
		}
	}
	// The reference column is deliberately unconstrained so history outlives
	// the mutable row.
	if strings.Contains(sql, "REFERENCES") {
		t.Fatalf("version tables must carry no foreign keys:\n%s", sql)
	}
	if strings.Contains(sql, `"position" text NOT NULL`) {
		t.Fatalf("version business columns must be nullable:\n%s", sql)
	}
}

func TestEnsureSchema_EmitsTablesIndexesAndConstraints(t *testing.T) {
	reg := testRegistry(t)
	exec := &recordingExecer{}

	if err := EnsureSchema(context.Background(), exec, reg); err != nil {
		t.Fatalf("expected schema provisioning to succeed, got %v", err)
	}

	joined := strings.Join(exec.statements, "\n---\n")
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "cars"`,
		`CREATE TABLE IF NOT EXISTS "car_versions"`,
		`CREATE TABLE IF NOT EXISTS "stickers"`,
		`CREATE INDEX IF NOT EXISTS "idx_car_versions_ref"`,
		`FOREIGN KEY ("engine_id") REFERENCES "engines" (id) ON DELETE SET NULL`,
		`ALTER TABLE "wheels" ADD CONSTRAINT "fk_wheels_car_id" FOREIGN KEY ("car_id") REFERENCES "cars" (id) ON DELETE CASCADE`,
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q among:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "sticker_versions") {
		t.Fatalf("untracked types must not get version tables:\n%s", joined)
	}

	// Constraints come after every table exists, so creation order never matters.
	lastCreate, firstAlter := -1, -1
	for i, stmt := range exec.statements {
		if strings.HasPrefix(stmt, "CREATE TABLE") && i > lastCreate {
			lastCreate = i
		}
		if strings.Contains(stmt, "ADD CONSTRAINT") && firstAlter == -1 {
			firstAlter = i
		}
	}
	if firstAlter < lastCreate {
		t.Fatalf("constraints must follow table creation")
	}
}

func TestAddColumn_AppliesToBothTablesOfTrackedTypes(t *testing.T) {
	reg := testRegistry(t)
	exec := &recordingExecer{}
	field := domain.FieldDefinition{Name: "color", Type: domain.FieldTypeString, Required: true}

	if err := AddColumn(context.Background(), exec, reg, "cars", field); err != nil {
		t.Fatalf("expected add column to succeed, got %v", err)
	}
	if len(exec.statements) != 2 {
		t.Fatalf("expected symmetric statements, got %d", len(exec.statements))
	}
	if !strings.Contains(exec.statements[0], `ALTER TABLE "cars" ADD COLUMN IF NOT EXISTS "color" text NOT NULL`) {
		t.Fatalf("unexpected mutable-table statement: %s", exec.statements[0])
	}
	if !strings.Contains(exec.statements[1], `ALTER TABLE "car_versions" ADD COLUMN IF NOT EXISTS "color" text`) {
		t.Fatalf("unexpected version-table statement: %s", exec.statements[1])
	}
	if strings.Contains(exec.statements[1], "NOT NULL") {
		t.Fatalf("version-table columns must stay nullable: %s", exec.statements[1])
	}

	exec.statements = nil
	if err := AddColumn(context.Background(), exec, reg, "stickers", field); err != nil {
		t.Fatalf("expected add column to succeed, got %v", err)
	}
	if len(exec.statements) != 1 {
		t.Fatalf("untracked types have one table, got %d statements", len(exec.statements))
	}
}

func TestRenameType_RenamesPairAndReferenceColumn(t *testing.T) {
	reg := testRegistry(t)
	exec := &recordingExecer{}
	from, _ := reg.Lookup("cars")
	to := domain.Descriptor{Name: "vehicles", Singular: "vehicle", Tracked: true}

	if err := RenameType(context.Background(), exec, from, to); err != nil {
		t.Fatalf("expected rename to succeed, got %v", err)
	}
	joined := strings.Join(exec.statements, "\n")
	for _, want := range []string{
		`ALTER TABLE "cars" RENAME TO "vehicles"`,
		`ALTER TABLE "car_versions" RENAME TO "vehicle_versions"`,
		`ALTER TABLE "vehicle_versions" RENAME COLUMN "car_id" TO "vehicle_id"`,
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q among:\n%s", want, joined)
		}
	}
}

func TestColumnTypes(t *testing.T) {
	cases := map[domain.FieldType]string{
		domain.FieldTypeString:    "text",
		domain.FieldTypeInteger:   "bigint",
		domain.FieldTypeFloat:     "double precision",
		domain.FieldTypeBoolean:   "boolean",
		domain.FieldTypeTimestamp: "timestamptz",
		domain.FieldTypeJSON:      "jsonb",
		domain.FieldTypeUUID:      "uuid",
	}
	for ft, want := range cases {
		if got := columnType(ft); got != want {
			t.Fatalf("expected %s for %s, got %s", want, ft, got)
		}
	}
}
