// Package merge produces the downloadable artifact of a batch: the original
// upload with the enrichment columns appended, plus any rows of the previous
// artifact whose identifier has since left the upload.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/tagflow/sheet"
	"github.com/hazyhaar/tagflow/store"
)

// SheetName is the worksheet name of every artifact.
const SheetName = "Merged Data"

// EnrichmentHeaders are appended to the upload's own headers, in this order.
var EnrichmentHeaders = []string{
	"InsuranceCompany", "MedicalNetwork", "IdentityNumber", "PolicyNumber",
	"Class", "DeductibleRate", "MaxLimit", "UploadDate", "InsuranceExpiryDate",
	"BeneficiaryType", "BeneficiaryNumber", "Gender", "Status",
}

// ArtifactName is the deterministic file name of a batch's artifact.
func ArtifactName(batchID int64) string {
	return fmt.Sprintf("File_%d_Merged.xlsx", batchID)
}

// DownloadLink builds the public link under which an artifact is served.
func DownloadLink(baseURL string, batchID int64, fileName string) string {
	q := url.Values{}
	q.Set("fileName", fileName)
	q.Set("fileId", strconv.FormatInt(batchID, 10))
	return strings.TrimRight(baseURL, "/") + "/api/file/download?" + q.Encode()
}

// RowSource supplies the terminal rows of a batch, in id order.
type RowSource interface {
	TerminalRows(ctx context.Context, batchID int64, identifiers []string) ([]store.Row, error)
}

// Generator writes artifacts into one directory.
type Generator struct {
	src    RowSource
	dir    string
	column string
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithColumn sets the identifier column. Default: "ssn".
func WithColumn(name string) Option { return func(g *Generator) { g.column = name } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(g *Generator) { g.logger = l } }

// New returns a Generator writing into dir.
func New(src RowSource, dir string, opts ...Option) *Generator {
	g := &Generator{src: src, dir: dir, column: "ssn", logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Dir is the artifact directory.
func (g *Generator) Dir() string { return g.dir }

// Path is where the artifact of batchID lives.
func (g *Generator) Path(batchID int64) string {
	return filepath.Join(g.dir, ArtifactName(batchID))
}

// Generate builds the artifact of batchID from the original upload and the
// prior artifact at priorPath (empty or missing means none), then publishes
// it atomically at Path(batchID). Upload rows take their enrichment from the
// batch's terminal rows, first match in id order; rows carried from the prior
// artifact keep the enrichment they already had.
func (g *Generator) Generate(ctx context.Context, batchID int64, original []byte, format sheet.Format, priorPath string) (string, error) {
	var upload *sheet.Table
	var prior *sheet.Grid
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		t, err := sheet.Parse(bytes.NewReader(original), format)
		if err != nil {
			return fmt.Errorf("merge: parse upload: %w", err)
		}
		upload = t
		return nil
	})
	if priorPath != "" {
		eg.Go(func() error {
			prior = g.readPrior(egCtx, priorPath)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	inUpload := make(map[string]bool)
	var ids []string
	for _, rec := range upload.Records {
		if id := strings.TrimSpace(rec.Get(g.column)); id != "" && !inUpload[id] {
			inUpload[id] = true
			ids = append(ids, id)
		}
	}

	dbRows, err := g.src.TerminalRows(ctx, batchID, ids)
	if err != nil {
		return "", fmt.Errorf("merge: load rows: %w", err)
	}
	byIdent := make(map[string]store.Row, len(dbRows))
	for _, r := range dbRows {
		if _, ok := byIdent[r.Identifier]; !ok {
			byIdent[r.Identifier] = r
		}
	}

	headers := append(append([]string{}, upload.Headers...), EnrichmentHeaders...)
	var out [][]string
	for _, rec := range upload.Records {
		row := make([]string, 0, len(headers))
		for _, h := range upload.Headers {
			row = append(row, rec.Get(h))
		}
		if r, ok := byIdent[strings.TrimSpace(rec.Get(g.column))]; ok {
			row = append(row, r.Values()...)
			row = append(row, string(r.Status))
		} else {
			row = append(row, make([]string, len(EnrichmentHeaders))...)
		}
		out = append(out, row)
	}

	carried := 0
	if prior != nil {
		rows := g.priorRows(prior, upload.Headers, inUpload)
		out = append(out, rows...)
		carried = len(rows)
	}

	path, err := g.publish(batchID, headers, out)
	if err != nil {
		return "", err
	}
	g.logger.Info("merge: artifact written",
		"batch_id", batchID, "rows", len(out), "enriched", len(byIdent), "carried", carried, "path", path)
	return path, nil
}

// readPrior reads the previous artifact by position. An unreadable prior is
// logged and ignored: the new artifact is still correct for the current
// upload.
func (g *Generator) readPrior(ctx context.Context, path string) *sheet.Grid {
	if ctx.Err() != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		g.logger.Warn("merge: read prior artifact", "path", path, "error", err)
		return nil
	}
	grid, err := sheet.ReadGrid(bytes.NewReader(data), sheet.XLSX)
	if err != nil {
		g.logger.Warn("merge: parse prior artifact", "path", path, "error", err)
		return nil
	}
	return grid
}

// priorRows returns the prior artifact's rows whose identifier is absent
// from the current upload, laid out under the current upload headers plus
// the enrichment block. The enrichment block is the last
// len(EnrichmentHeaders) columns of the prior, read by position, so upload
// columns named like an enrichment header (Gender, Class, Status) cannot
// shadow it.
func (g *Generator) priorRows(prior *sheet.Grid, uploadHeaders []string, inUpload map[string]bool) [][]string {
	n := len(EnrichmentHeaders)
	base := len(prior.Header) - n
	if base < 0 || !sameHeaders(prior.Header[base:], EnrichmentHeaders) {
		g.logger.Warn("merge: prior artifact has no enrichment block, not carried", "headers", prior.Header)
		return nil
	}
	lead := &sheet.Grid{Header: prior.Header[:base]}
	idCol, err := lead.HeaderIndex(g.column)
	if err != nil {
		g.logger.Warn("merge: prior artifact has no identifier column, not carried", "column", g.column)
		return nil
	}
	pos := make([]int, len(uploadHeaders))
	for i, h := range uploadHeaders {
		pos[i], _ = lead.HeaderIndex(h)
	}

	var out [][]string
	for _, cells := range prior.Rows {
		id := strings.TrimSpace(sheet.Cell(cells, idCol))
		if id == "" || inUpload[id] {
			continue
		}
		row := make([]string, 0, len(uploadHeaders)+n)
		for _, p := range pos {
			row = append(row, sheet.Cell(cells, p))
		}
		for j := 0; j < n; j++ {
			row = append(row, sheet.Cell(cells, base+j))
		}
		out = append(out, row)
	}
	return out
}

func sameHeaders(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if sheet.NormalizeKey(got[i]) != sheet.NormalizeKey(want[i]) {
			return false
		}
	}
	return true
}

// publish writes to a temp file in the target directory and renames it over
// the artifact, so readers see either the old or the new file.
func (g *Generator) publish(batchID int64, headers []string, rows [][]string) (string, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", fmt.Errorf("merge: mkdir: %w", err)
	}
	final := g.Path(batchID)
	tmp, err := os.CreateTemp(g.dir, "."+ArtifactName(batchID)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("merge: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := sheet.WriteRows(tmp, SheetName, headers, rows); err != nil {
		tmp.Close()
		return "", fmt.Errorf("merge: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("merge: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("merge: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("merge: publish: %w", err)
	}
	return final, nil
}
