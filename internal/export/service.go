// Package export writes version histories out as spreadsheet files, one row
// per version, newest first.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/recordtrail/internal/domain"
	"github.com/rpattn/recordtrail/internal/trail"
)

// Format selects the output file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

type Service struct {
	trail     *trail.Trail
	exportDir string
	now       func() time.Time
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

func NewService(t *trail.Trail, opts ...Option) *Service {
	service := &Service{
		trail:     t,
		exportDir: filepath.Join(os.TempDir(), "recordtrail-exports"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ExportHistory writes the full version chain of one entity to a file in the
// export directory and returns the file path.
func (s *Service) ExportHistory(ctx context.Context, typ string, entityID uuid.UUID, format Format) (string, error) {
	d, ok := s.trail.Registry().Lookup(typ)
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	if !d.Tracked {
		return "", fmt.Errorf("type %q is not tracked, nothing to export", typ)
	}

	rows, err := s.trail.History(ctx, typ, entityID, trail.HistoryOptions{})
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	if err := s.ensureExportDirectory(); err != nil {
		return "", err
	}

	headers := historyHeaders(d)
	finalPath := filepath.Join(s.exportDir, s.fileName(d, entityID, format))

	switch format {
	case FormatCSV:
		err = writeCSV(finalPath, headers, d, rows)
	case FormatXLSX:
		err = writeXLSX(finalPath, headers, d, rows)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", err
	}

	log.Printf("[export] history of %s %s exported (versions=%d path=%s)", typ, entityID, len(rows), finalPath)
	return finalPath, nil
}

// historyHeaders lists the exported columns: version identity first, then the
// business fields, then the deletion flag and timestamp.
func historyHeaders(d domain.Descriptor) []string {
	headers := []string{"version_id", d.ReferenceField()}
	headers = append(headers, d.FieldNames()...)
	headers = append(headers, "is_deleted", "inserted_at")
	return headers
}

func historyRow(d domain.Descriptor, v *domain.VersionRow) []string {
	row := []string{v.ID.String(), v.RefID.String()}
	for _, name := range d.FieldNames() {
		row = append(row, formatValue(v.Fields[name]))
	}
	row = append(row, formatValue(v.IsDeleted), v.InsertedAt.UTC().Format(time.RFC3339))
	return row
}

func writeCSV(path string, headers []string, d domain.Descriptor, rows []*domain.VersionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer file.Close()

	buffered := bufio.NewWriter(file)
	csvWriter := csv.NewWriter(buffered)

	if err := csvWriter.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, v := range rows {
		if err := csvWriter.Write(historyRow(d, v)); err != nil {
			return fmt.Errorf("write version row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush buffered rows: %w", err)
	}
	return nil
}

func writeXLSX(path string, headers []string, d domain.Descriptor, rows []*domain.VersionRow) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("resolve header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for rowIdx, v := range rows {
		for colIdx, value := range historyRow(d, v) {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return fmt.Errorf("resolve cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("write version row: %w", err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save xlsx file: %w", err)
	}
	return nil
}

func (s *Service) ensureExportDirectory() error {
	if strings.TrimSpace(s.exportDir) == "" {
		return errors.New("export directory is not configured")
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("ensure export directory: %w", err)
	}
	return nil
}

func (s *Service) fileName(d domain.Descriptor, entityID uuid.UUID, format Format) string {
	base := sanitizeFileComponent(d.Singular)
	if base == "" {
		base = "history"
	}
	return fmt.Sprintf("%s-%s-%d.%s", base, entityID.String(), s.now().Unix(), format)
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
