package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/recordtrail/internal/domain"
)

// versionColumns returns the business columns mirrored onto a version table:
// the declared fields plus every foreign-key column the mutable table carries.
func versionColumns(reg *domain.Registry, d domain.Descriptor) []string {
	return recordColumns(reg, d)
}

// InsertVersions appends version rows, batched per round trip. Version tables
// are insert-only; no UPDATE or DELETE is ever issued against them here.
func (t *pgTx) InsertVersions(ctx context.Context, versions []*domain.Version) error {
	if len(versions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range versions {
		d, ok := t.store.registry.Lookup(v.Type)
		if !ok {
			return fmt.Errorf("%w: %q", domain.ErrUnknownType, v.Type)
		}

		cols := versionColumns(t.store.registry, d)
		names := []string{"id", ident(v.RefField)}
		args := []any{v.ID, v.RefID}
		for _, col := range cols {
			names = append(names, ident(col))
			args = append(args, v.Fields[col])
		}
		names = append(names, "is_deleted", "inserted_at")
		args = append(args, v.IsDeleted, v.InsertedAt)

		placeholders := make([]string, len(args))
		for i := range args {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		batch.Queue(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			ident(v.Table), strings.Join(names, ", "), strings.Join(placeholders, ", ")), args...)
	}

	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range versions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert version row: %w", err)
		}
	}
	return nil
}

func (s *pgStore) ListVersions(ctx context.Context, typ string, entityID uuid.UUID, limit int) ([]*domain.VersionRow, error) {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY inserted_at DESC",
		versionSelectList(s.registry, d), ident(d.VersionTable()), ident(d.ReferenceField()))
	args := []any{entityID}
	if limit > 0 {
		sql += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rows: %w", d.VersionTable(), err)
	}
	return scanVersionRows(d, rows)
}

func (s *pgStore) GetVersion(ctx context.Context, typ string, versionID uuid.UUID) (*domain.VersionRow, error) {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1",
		versionSelectList(s.registry, d), ident(d.VersionTable()))
	rows, err := s.pool.Query(ctx, sql, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s row: %w", d.VersionTable(), err)
	}
	out, err := scanVersionRows(d, rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (s *pgStore) LatestVersionAt(ctx context.Context, typ string, entityID uuid.UUID, at time.Time) (*domain.VersionRow, error) {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}

	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = $1 AND inserted_at <= $2 ORDER BY inserted_at DESC LIMIT 1",
		versionSelectList(s.registry, d), ident(d.VersionTable()), ident(d.ReferenceField()))
	rows, err := s.pool.Query(ctx, sql, entityID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.VersionTable(), err)
	}
	out, err := scanVersionRows(d, rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// LatestVersionsLinkedAt is the temporal to-many join: per distinct linked
// entity, the newest version at or before the cutoff, dropping entities whose
// qualifying version is already flagged deleted.
func (s *pgStore) LatestVersionsLinkedAt(ctx context.Context, typ string, fkField string, ownerID uuid.UUID, at time.Time) ([]*domain.VersionRow, error) {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}

	ref := ident(d.ReferenceField())
	sql := fmt.Sprintf(
		`SELECT %s FROM (
			SELECT DISTINCT ON (%s) %s
			FROM %s
			WHERE %s = $1 AND inserted_at <= $2
			ORDER BY %s, inserted_at DESC
		) latest WHERE NOT is_deleted ORDER BY inserted_at`,
		versionSelectList(s.registry, d), ref, versionSelectList(s.registry, d),
		ident(d.VersionTable()), ident(fkField), ref)

	rows, err := s.pool.Query(ctx, sql, ownerID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.VersionTable(), err)
	}
	return scanVersionRows(d, rows)
}

func versionSelectList(reg *domain.Registry, d domain.Descriptor) string {
	cols := append([]string{"id", d.ReferenceField()}, versionColumns(reg, d)...)
	cols = append(cols, "is_deleted", "inserted_at")
	return joinIdents(cols)
}

func scanVersionRows(d domain.Descriptor, rows pgx.Rows) ([]*domain.VersionRow, error) {
	defer rows.Close()

	var out []*domain.VersionRow
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", d.VersionTable(), err)
		}
		row := &domain.VersionRow{Type: d.Name, Fields: make(map[string]any, len(values))}
		for i, fd := range fields {
			value := normalizeValue(values[i])
			switch string(fd.Name) {
			case "id":
				row.ID = value.(uuid.UUID)
			case d.ReferenceField():
				row.RefID = value.(uuid.UUID)
			case "is_deleted":
				row.IsDeleted = value.(bool)
			case "inserted_at":
				row.InsertedAt = value.(time.Time)
			default:
				if value != nil {
					row.Fields[string(fd.Name)] = value
				}
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", d.VersionTable(), err)
	}
	return out, nil
}
