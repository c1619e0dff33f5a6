package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/recordtrail/internal/domain"
)

// pgStore implements Store against Postgres with descriptor-driven SQL. Table
// and column names come straight from the registry, sanitized before
// interpolation; values always travel as bind parameters.
type pgStore struct {
	pool     *pgxpool.Pool
	registry *domain.Registry
}

// NewPostgresStore creates a Store backed by a pgx connection pool.
func NewPostgresStore(pool *pgxpool.Pool, reg *domain.Registry) Store {
	return &pgStore{pool: pool, registry: reg}
}

// querier is the subset of pgx shared by pools and transactions; both
// *pgxpool.Pool and pgx.Tx satisfy it directly.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes fn within one database transaction.
func (s *pgStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{store: s, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	store *pgStore
	tx    pgx.Tx
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// recordColumns returns the business columns of a mutable table: declared
// fields, outbound to-one foreign keys, then inbound to-many foreign keys.
func recordColumns(reg *domain.Registry, d domain.Descriptor) []string {
	cols := d.FieldNames()
	for _, assoc := range d.Associations {
		if assoc.Cardinality == domain.CardinalityOne {
			cols = append(cols, assoc.ForeignKey)
		}
	}
	cols = append(cols, reg.InboundForeignKeys(d.Name)...)
	return cols
}

func (t *pgTx) InsertRecord(ctx context.Context, rec *domain.Record) error {
	return t.insertRecord(ctx, rec)
}

func (t *pgTx) insertRecord(ctx context.Context, rec *domain.Record) error {
	d, ok := t.store.registry.Lookup(rec.Type)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, rec.Type)
	}

	// Stamp to-one foreign keys from loaded children before writing the row;
	// belongs-to targets must exist first.
	for _, assoc := range d.Associations {
		if assoc.Cardinality != domain.CardinalityOne {
			continue
		}
		one, ok := rec.Association(assoc.Name).(domain.One)
		if !ok || one.Record == nil {
			continue
		}
		if err := t.insertRecord(ctx, one.Record); err != nil {
			return err
		}
		rec.SetField(assoc.ForeignKey, one.Record.ID)
	}

	cols := recordColumns(t.store.registry, d)
	names := []string{"id"}
	args := []any{rec.ID}
	for _, col := range cols {
		names = append(names, ident(col))
		args = append(args, rec.Field(col))
	}
	names = append(names, "created_at", "updated_at")
	args = append(args, rec.CreatedAt, rec.UpdatedAt)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(d.Name), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to insert %s row: %w", d.Name, err)
	}

	// Has-many children hang their foreign key off this row.
	for _, assoc := range d.Associations {
		if assoc.Cardinality != domain.CardinalityMany {
			continue
		}
		many, ok := rec.Association(assoc.Name).(domain.Many)
		if !ok {
			continue
		}
		for _, child := range many.Records {
			child.SetField(assoc.ForeignKey, rec.ID)
			if err := t.insertRecord(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *pgTx) ApplyChangeset(ctx context.Context, cs *domain.Changeset) (*domain.Record, error) {
	if err := t.applyChangeset(ctx, cs); err != nil {
		return nil, err
	}
	rec, err := t.store.loadRecord(ctx, t.tx, cs.Type, cs.EntityID, nil)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s row %s vanished during update", cs.Type, cs.EntityID)
	}
	return rec, nil
}

func (t *pgTx) applyChangeset(ctx context.Context, cs *domain.Changeset) error {
	d, ok := t.store.registry.Lookup(cs.Type)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, cs.Type)
	}

	if len(cs.Changes) > 0 {
		sets := make([]string, 0, len(cs.Changes)+1)
		args := make([]any, 0, len(cs.Changes)+2)
		i := 1
		for name, value := range cs.Changes {
			sets = append(sets, fmt.Sprintf("%s = $%d", ident(name), i))
			args = append(args, value)
			i++
		}
		sets = append(sets, fmt.Sprintf("updated_at = $%d", i))
		args = append(args, time.Now())
		i++
		args = append(args, cs.EntityID)

		sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", ident(d.Name), strings.Join(sets, ", "), i)
		tag, err := t.tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to update %s row: %w", d.Name, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s row %s not found", d.Name, cs.EntityID)
		}
	}

	for name, change := range cs.Associations {
		assoc, known := d.Association(name)
		if !known {
			return fmt.Errorf("%w: %s has no association %q", domain.ErrAssociationShape, d.Name, name)
		}
		switch c := change.(type) {
		case domain.ToOneChange:
			if err := t.applyToOne(ctx, d, cs.EntityID, assoc, c); err != nil {
				return err
			}
		case domain.ToManyChange:
			for _, el := range c.Elements {
				if err := t.applyElement(ctx, cs.EntityID, assoc, el); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: %s.%s delta is %T", domain.ErrAssociationShape, d.Name, assoc.Name, change)
		}
	}
	return nil
}

func (t *pgTx) setForeignKey(ctx context.Context, table, fk string, ownerID uuid.UUID, value any) error {
	sql := fmt.Sprintf("UPDATE %s SET %s = $1, updated_at = $2 WHERE id = $3", ident(table), ident(fk))
	if _, err := t.tx.Exec(ctx, sql, value, time.Now(), ownerID); err != nil {
		return fmt.Errorf("failed to set %s.%s: %w", table, fk, err)
	}
	return nil
}

func (t *pgTx) applyToOne(ctx context.Context, d domain.Descriptor, ownerID uuid.UUID, assoc domain.Association, c domain.ToOneChange) error {
	switch c.Action {
	case domain.ActionInsert:
		if c.Changeset == nil || c.Changeset.Data == nil {
			return nil
		}
		if err := t.insertRecord(ctx, c.Changeset.Data); err != nil {
			return err
		}
		return t.setForeignKey(ctx, d.Name, assoc.ForeignKey, ownerID, c.Changeset.EntityID)
	case domain.ActionUpdate:
		if c.Changeset == nil {
			return nil
		}
		return t.applyChangeset(ctx, c.Changeset)
	case domain.ActionReplace, domain.ActionDelete:
		if err := t.setForeignKey(ctx, d.Name, assoc.ForeignKey, ownerID, nil); err != nil {
			return err
		}
		if c.Old != nil {
			if err := t.hardDelete(ctx, assoc.Target, c.Old.ID); err != nil {
				return err
			}
		}
		if c.Action == domain.ActionReplace && c.Changeset != nil && c.Changeset.Data != nil {
			if err := t.insertRecord(ctx, c.Changeset.Data); err != nil {
				return err
			}
			return t.setForeignKey(ctx, d.Name, assoc.ForeignKey, ownerID, c.Changeset.EntityID)
		}
		return nil
	}
	return fmt.Errorf("%w: to-one action %q", domain.ErrAssociationShape, c.Action)
}

func (t *pgTx) applyElement(ctx context.Context, ownerID uuid.UUID, assoc domain.Association, el domain.ElementChange) error {
	switch el.Action {
	case domain.ActionInsert:
		if el.Changeset == nil || el.Changeset.Data == nil {
			return nil
		}
		el.Changeset.Data.SetField(assoc.ForeignKey, ownerID)
		return t.insertRecord(ctx, el.Changeset.Data)
	case domain.ActionUpdate:
		if el.Changeset == nil {
			return nil
		}
		return t.applyChangeset(ctx, el.Changeset)
	case domain.ActionReplace, domain.ActionDelete:
		if el.Old == nil {
			return nil
		}
		return t.hardDelete(ctx, assoc.Target, el.Old.ID)
	}
	return fmt.Errorf("%w: element action %q", domain.ErrAssociationShape, el.Action)
}

func (t *pgTx) DeleteRecord(ctx context.Context, typ string, id uuid.UUID) error {
	d, ok := t.store.registry.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1", ident(d.Name))
	tag, err := t.tx.Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s row: %w", d.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s row %s not found", d.Name, id)
	}
	return nil
}

// hardDelete removes a child row; descendant rows go with it through the
// ON DELETE CASCADE constraints the schema helper provisions.
func (t *pgTx) hardDelete(ctx context.Context, typ string, id uuid.UUID) error {
	d, ok := t.store.registry.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1", ident(d.Name))
	if _, err := t.tx.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", d.Name, err)
	}
	return nil
}

func (s *pgStore) GetRecord(ctx context.Context, typ string, id uuid.UUID, assocs ...string) (*domain.Record, error) {
	return s.loadRecord(ctx, s.pool, typ, id, assocs)
}

// loadRecord fetches a row and eagerly loads its associations. When assocs is
// nil every association is loaded; descendants always load fully so the
// version builder sees a complete graph.
func (s *pgStore) loadRecord(ctx context.Context, q querier, typ string, id uuid.UUID, assocs []string) (*domain.Record, error) {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}

	rec, err := s.fetchRow(ctx, q, d, id)
	if err != nil || rec == nil {
		return rec, err
	}

	wanted := map[string]bool{}
	for _, name := range assocs {
		wanted[name] = true
	}

	for _, assoc := range d.Associations {
		if assocs != nil && !wanted[assoc.Name] {
			continue
		}
		if err := s.loadAssociation(ctx, q, d, rec, assoc); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *pgStore) loadAssociation(ctx context.Context, q querier, d domain.Descriptor, rec *domain.Record, assoc domain.Association) error {
	switch assoc.Cardinality {
	case domain.CardinalityOne:
		fk, ok := rec.Fields[assoc.ForeignKey].(uuid.UUID)
		if !ok {
			rec.PutOne(assoc.Name, nil)
			return nil
		}
		child, err := s.loadRecord(ctx, q, assoc.Target, fk, nil)
		if err != nil {
			return err
		}
		rec.PutOne(assoc.Name, child)
	case domain.CardinalityMany:
		target, err := s.registry.Target(d, assoc)
		if err != nil {
			return err
		}
		cols := append([]string{"id"}, recordColumns(s.registry, target)...)
		cols = append(cols, "created_at", "updated_at")
		sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY created_at, id",
			joinIdents(cols), ident(target.Name), ident(assoc.ForeignKey))
		rows, err := q.Query(ctx, sql, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to list %s rows: %w", target.Name, err)
		}
		children, err := scanRecords(target, rows)
		if err != nil {
			return err
		}
		for _, child := range children {
			for _, childAssoc := range target.Associations {
				if err := s.loadAssociation(ctx, q, target, child, childAssoc); err != nil {
					return err
				}
			}
		}
		rec.PutMany(assoc.Name, children)
	}
	return nil
}

func (s *pgStore) ListLinkedRecords(ctx context.Context, typ string, fkField string, ownerID uuid.UUID) ([]*domain.Record, error) {
	d, ok := s.registry.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	cols := append([]string{"id"}, recordColumns(s.registry, d)...)
	cols = append(cols, "created_at", "updated_at")
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY created_at, id",
		joinIdents(cols), ident(d.Name), ident(fkField))
	rows, err := s.pool.Query(ctx, sql, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rows: %w", d.Name, err)
	}
	recs, err := scanRecords(d, rows)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		for _, assoc := range d.Associations {
			if err := s.loadAssociation(ctx, s.pool, d, rec, assoc); err != nil {
				return nil, err
			}
		}
	}
	return recs, nil
}

func (s *pgStore) fetchRow(ctx context.Context, q querier, d domain.Descriptor, id uuid.UUID) (*domain.Record, error) {
	cols := append([]string{"id"}, recordColumns(s.registry, d)...)
	cols = append(cols, "created_at", "updated_at")
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", joinIdents(cols), ident(d.Name))

	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s row: %w", d.Name, err)
	}
	recs, err := scanRecords(d, rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return strings.Join(out, ", ")
}

// scanRecords maps result rows onto records by column name, normalizing pgx
// native values (uuid byte arrays in particular).
func scanRecords(d domain.Descriptor, rows pgx.Rows) ([]*domain.Record, error) {
	defer rows.Close()

	var out []*domain.Record
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", d.Name, err)
		}
		rec := &domain.Record{Type: d.Name, Fields: make(map[string]any, len(values))}
		for i, fd := range fields {
			value := normalizeValue(values[i])
			switch string(fd.Name) {
			case "id":
				rec.ID = value.(uuid.UUID)
			case "created_at":
				rec.CreatedAt = value.(time.Time)
			case "updated_at":
				rec.UpdatedAt = value.(time.Time)
			default:
				if value != nil {
					rec.Fields[string(fd.Name)] = value
				}
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", d.Name, err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case [16]byte:
		return uuid.UUID(typed)
	default:
		return v
	}
}
