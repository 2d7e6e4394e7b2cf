// Package sheet reads uploaded spreadsheets into header-keyed records and
// writes records back out as xlsx. Every cell is text: nothing is coerced.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrInvalidFormat means the input has no worksheet or table at all.
	ErrInvalidFormat = errors.New("sheet: not a readable spreadsheet")
	// ErrMissingColumn means the required header is absent from row 1.
	ErrMissingColumn = errors.New("sheet: required column not found")
)

// Format is the container format of an uploaded file.
type Format string

const (
	XLSX Format = "xlsx"
	CSV  Format = "csv"
)

// DetectFormat picks the format from the content, falling back to the file
// extension. Zip content is xlsx; text with a .csv/.txt name is csv.
func DetectFormat(name string, data []byte) (Format, error) {
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return XLSX, nil
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return CSV, nil
	}
	return "", fmt.Errorf("%w: %q is neither xlsx nor csv", ErrInvalidFormat, name)
}

// Record is one data row: cell text keyed by lower-cased header, with the
// keys kept in first-seen header order.
type Record struct {
	keys   []string
	values map[string]string
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]string)}
}

// Set stores v under the lower-cased key. A new key is appended to the order.
func (r *Record) Set(key, v string) {
	k := NormalizeKey(key)
	if _, ok := r.values[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.values[k] = v
}

// Get returns the value stored under key, or "" when absent.
func (r *Record) Get(key string) string {
	return r.values[NormalizeKey(key)]
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.values[NormalizeKey(key)]
	return ok
}

// Keys returns the lower-cased keys in insertion order.
func (r *Record) Keys() []string { return r.keys }

// Len is the number of keys.
func (r *Record) Len() int { return len(r.keys) }

// NormalizeKey is the form used to match headers: trimmed and lower-cased.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Table is a parsed sheet. Headers keep their original text and order; blank
// and repeated headers are dropped (the first occurrence wins).
type Table struct {
	Headers []string
	Records []*Record
}

// Grid is a sheet read by position: Header is row 1 as written, Rows are the
// data rows with fully blank ones skipped. Repeated headers are kept, which
// Table cannot do.
type Grid struct {
	Header []string
	Rows   [][]string
}

// ReadGrid reads the first worksheet (xlsx) or the whole file (csv).
func ReadGrid(r io.Reader, format Format) (*Grid, error) {
	cells, err := readGrid(r, format)
	if err != nil {
		return nil, err
	}
	g := &Grid{}
	if len(cells) == 0 {
		return g, nil
	}
	g.Header = cells[0]
	for _, row := range cells[1:] {
		if !blankRow(row) {
			g.Rows = append(g.Rows, row)
		}
	}
	return g, nil
}

// HeaderIndex returns the zero-based index of the first header matching
// column case-insensitively, or ErrMissingColumn.
func (g *Grid) HeaderIndex(column string) (int, error) {
	want := NormalizeKey(column)
	for i, h := range g.Header {
		if NormalizeKey(h) == want {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrMissingColumn, column)
}

// Cell returns row[i], or "" when i is out of range.
func Cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// Parse reads the sheet into records keyed by lower-cased header. Row 1 is
// the header row; fully blank data rows are skipped.
func Parse(r io.Reader, format Format) (*Table, error) {
	g, err := ReadGrid(r, format)
	if err != nil {
		return nil, err
	}
	t := &Table{}

	type col struct {
		idx int
		key string
	}
	var cols []col
	seen := make(map[string]bool)
	for i, h := range g.Header {
		k := NormalizeKey(h)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		cols = append(cols, col{idx: i, key: k})
		t.Headers = append(t.Headers, strings.TrimSpace(h))
	}

	for _, cells := range g.Rows {
		rec := NewRecord()
		for _, c := range cols {
			rec.Set(c.key, Cell(cells, c.idx))
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

// ExtractIdentifiers returns the non-blank, trimmed values of column in row
// order, or ErrMissingColumn. Callers re-read from their own buffer on each
// call.
func ExtractIdentifiers(r io.Reader, format Format, column string) ([]string, error) {
	g, err := ReadGrid(r, format)
	if err != nil {
		return nil, err
	}
	idx, err := g.HeaderIndex(column)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range g.Rows {
		if v := strings.TrimSpace(Cell(row, idx)); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func readGrid(r io.Reader, format Format) ([][]string, error) {
	switch format {
	case XLSX:
		return readXLSX(r)
	case CSV:
		return readCSV(r)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidFormat, format)
	}
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no worksheet", ErrInvalidFormat)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return rows, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
