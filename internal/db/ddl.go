package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/recordtrail/internal/domain"
)

// Execer is the statement surface schema provisioning needs; satisfied by
// *pgxpool.Pool, pgx.Tx and Connection.Pool alike.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// columnType maps a descriptor field type to its Postgres column type.
func columnType(t domain.FieldType) string {
	switch t {
	case domain.FieldTypeString:
		return "text"
	case domain.FieldTypeInteger:
		return "bigint"
	case domain.FieldTypeFloat:
		return "double precision"
	case domain.FieldTypeBoolean:
		return "boolean"
	case domain.FieldTypeTimestamp:
		return "timestamptz"
	case domain.FieldTypeJSON:
		return "jsonb"
	case domain.FieldTypeUUID:
		return "uuid"
	default:
		return "text"
	}
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// EnsureSchema provisions every registered type: the mutable table with its
// foreign-key constraints, and for tracked types the parallel append-only
// version table with its reference index. Idempotent; safe to run at startup.
func EnsureSchema(ctx context.Context, q Execer, reg *domain.Registry) error {
	descriptors := reg.Descriptors()
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)

	// Tables first, constraints after, so creation order never matters.
	for _, name := range names {
		d := descriptors[name]
		if _, err := q.Exec(ctx, CreateTableSQL(reg, d)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", d.Name, err)
		}
		if !d.Tracked {
			continue
		}
		if _, err := q.Exec(ctx, CreateVersionTableSQL(reg, d)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", d.VersionTable(), err)
		}
		if _, err := q.Exec(ctx, versionIndexSQL(d)); err != nil {
			return fmt.Errorf("failed to index table %s: %w", d.VersionTable(), err)
		}
	}

	for _, name := range names {
		d := descriptors[name]
		for _, stmt := range constraintSQL(reg, d) {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to constrain table %s: %w", d.Name, err)
			}
		}
	}
	return nil
}

// CreateTableSQL renders the mutable table: identifier, business columns,
// link columns and timestamps. Constraints are added separately.
func CreateTableSQL(reg *domain.Registry, d domain.Descriptor) string {
	var cols []string
	cols = append(cols, "id uuid PRIMARY KEY")
	for _, f := range d.Fields {
		col := fmt.Sprintf("%s %s", quote(f.Name), columnType(f.Type))
		if f.Required {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	for _, fk := range linkColumns(reg, d) {
		cols = append(cols, fmt.Sprintf("%s uuid", quote(fk)))
	}
	cols = append(cols,
		"created_at timestamptz NOT NULL DEFAULT now()",
		"updated_at timestamptz NOT NULL DEFAULT now()",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", quote(d.Name), strings.Join(cols, ",\n    "))
}

// CreateVersionTableSQL renders the append-only history table. The reference
// column deliberately has no foreign-key constraint: version rows must
// survive the physical deletion of the row they describe. Every business
// column is nullable so a version can snapshot whatever state existed.
func CreateVersionTableSQL(reg *domain.Registry, d domain.Descriptor) string {
	var cols []string
	cols = append(cols, "id uuid PRIMARY KEY")
	cols = append(cols, fmt.Sprintf("%s uuid NOT NULL", quote(d.ReferenceField())))
	for _, f := range d.Fields {
		cols = append(cols, fmt.Sprintf("%s %s", quote(f.Name), columnType(f.Type)))
	}
	for _, fk := range linkColumns(reg, d) {
		cols = append(cols, fmt.Sprintf("%s uuid", quote(fk)))
	}
	cols = append(cols,
		"is_deleted boolean NOT NULL DEFAULT false",
		"inserted_at timestamptz NOT NULL",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", quote(d.VersionTable()), strings.Join(cols, ",\n    "))
}

func versionIndexSQL(d domain.Descriptor) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, inserted_at DESC)",
		quote("idx_"+d.VersionTable()+"_ref"), quote(d.VersionTable()), quote(d.ReferenceField()))
}

// constraintSQL renders the foreign-key constraints of the mutable table:
// outbound to-one links to the target, inbound to-many links back to the
// owner with ON DELETE CASCADE so removing an owner removes its children.
// Each statement is wrapped so reruns over an existing constraint are no-ops.
func constraintSQL(reg *domain.Registry, d domain.Descriptor) []string {
	var stmts []string
	add := func(table, column, target, rule string) {
		name := fmt.Sprintf("fk_%s_%s", table, column)
		stmts = append(stmts, fmt.Sprintf(
			"DO $$ BEGIN\n    ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (id) %s;\nEXCEPTION WHEN duplicate_object THEN NULL;\nEND $$",
			quote(table), quote(name), quote(column), quote(target), rule))
	}

	for _, assoc := range d.Associations {
		switch assoc.Cardinality {
		case domain.CardinalityOne:
			add(d.Name, assoc.ForeignKey, assoc.Target, "ON DELETE SET NULL")
		case domain.CardinalityMany:
			add(assoc.Target, assoc.ForeignKey, d.Name, "ON DELETE CASCADE")
		}
	}
	return stmts
}

// linkColumns returns the uuid link columns of a table: outbound to-one
// foreign keys plus the inbound foreign keys other types hang off it.
func linkColumns(reg *domain.Registry, d domain.Descriptor) []string {
	var cols []string
	for _, assoc := range d.Associations {
		if assoc.Cardinality == domain.CardinalityOne {
			cols = append(cols, assoc.ForeignKey)
		}
	}
	cols = append(cols, reg.InboundForeignKeys(d.Name)...)
	return cols
}

// AddColumn adds a business column to a type, symmetrically on the mutable
// table and the version table so history captures the new field from now on.
// The version-table copy is always nullable; older rows predate the field.
func AddColumn(ctx context.Context, q Execer, reg *domain.Registry, typ string, field domain.FieldDefinition) error {
	d, ok := reg.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	col := fmt.Sprintf("%s %s", quote(field.Name), columnType(field.Type))
	if field.Required {
		col += " NOT NULL"
	}
	if _, err := q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", quote(d.Name), col)); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", d.Name, field.Name, err)
	}
	if !d.Tracked {
		return nil
	}
	vcol := fmt.Sprintf("%s %s", quote(field.Name), columnType(field.Type))
	if _, err := q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", quote(d.VersionTable()), vcol)); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", d.VersionTable(), field.Name, err)
	}
	return nil
}

// RenameColumn renames a business column on both tables of a type.
func RenameColumn(ctx context.Context, q Execer, reg *domain.Registry, typ, from, to string) error {
	d, ok := reg.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	tables := []string{d.Name}
	if d.Tracked {
		tables = append(tables, d.VersionTable())
	}
	for _, table := range tables {
		sql := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quote(table), quote(from), quote(to))
		if _, err := q.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to rename column %s.%s: %w", table, from, err)
		}
	}
	return nil
}

// DropColumn removes a business column from both tables of a type. History
// rows lose the column too; dropping a field is a destructive migration.
func DropColumn(ctx context.Context, q Execer, reg *domain.Registry, typ, name string) error {
	d, ok := reg.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	tables := []string{d.Name}
	if d.Tracked {
		tables = append(tables, d.VersionTable())
	}
	for _, table := range tables {
		sql := fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", quote(table), quote(name))
		if _, err := q.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to drop column %s.%s: %w", table, name, err)
		}
	}
	return nil
}

// RenameType renames a type's table pair, including the version table's
// reference column, from the old descriptor's naming to the new one's.
func RenameType(ctx context.Context, q Execer, from, to domain.Descriptor) error {
	if _, err := q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quote(from.Name), quote(to.Name))); err != nil {
		return fmt.Errorf("failed to rename table %s: %w", from.Name, err)
	}
	if !from.Tracked {
		return nil
	}
	if _, err := q.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quote(from.VersionTable()), quote(to.VersionTable()))); err != nil {
		return fmt.Errorf("failed to rename table %s: %w", from.VersionTable(), err)
	}
	if from.ReferenceField() != to.ReferenceField() {
		sql := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
			quote(to.VersionTable()), quote(from.ReferenceField()), quote(to.ReferenceField()))
		if _, err := q.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to rename column %s.%s: %w", to.VersionTable(), from.ReferenceField(), err)
		}
	}
	return nil
}
