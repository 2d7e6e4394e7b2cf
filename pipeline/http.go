package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tagflow/horosafe"
	"github.com/hazyhaar/tagflow/shield"
	"github.com/hazyhaar/tagflow/store"
)

// XLSXContentType is the MIME type of every artifact.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RouterOptions carries what the routes need beyond the service.
type RouterOptions struct {
	Keys    *shield.KeyChecker
	Limiter *shield.RateLimiter // nil disables claim rate limiting
	MCP     http.Handler        // nil disables /mcp
}

// NewRouter builds the HTTP surface.
func NewRouter(svc *Service, opts RouterOptions) http.Handler {
	if opts.Keys == nil {
		opts.Keys = shield.NewKeyChecker("", "")
	}
	if opts.Limiter == nil {
		opts.Limiter = shield.NewRateLimiter(0, 1)
	}
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(svc.cfg.MaxUploadBytes() + 1<<20) {
		r.Use(mw)
	}
	svc.RegisterHTTP(r, opts)
	return r
}

// RegisterHTTP registers the routes on r.
func (s *Service) RegisterHTTP(r chi.Router, opts RouterOptions) {
	robot := shield.APIKey(opts.Keys)

	r.Get("/health", s.handleHealth)

	r.Route("/api/file", func(r chi.Router) {
		r.Post("/upload-file", s.handleUpload)
		r.Get("/download", s.handleDownload)
		r.Get("/get-all-files", s.handleList)
		r.Get("/status/{fileId}", s.handleStatus)
		r.Delete("/delete/{fileId}", s.handleDelete)
		r.Get("/overview", s.handleOverview)

		r.Group(func(r chi.Router) {
			r.Use(robot)
			r.With(opts.Limiter.Middleware).Get("/fetch-unprocessed-ssns", s.handleClaim)
			r.Post("/update-processed-data", s.handleWriteback)
			r.Post("/robot-errors", s.handleRobotErrorPost)
			r.Get("/robot-errors", s.handleRobotErrorList)
		})
	})

	if opts.MCP != nil {
		r.With(robot).Handle("/mcp", opts.MCP)
		r.With(robot).Handle("/mcp/*", opts.MCP)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, message string, data any) {
	body := map[string]any{"success": true}
	if message != "" {
		body["message"] = message
	}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	err = classify(err)
	code := HTTPStatus(err)
	if code >= 500 {
		shield.GetLogger(r.Context()).Error("request failed", "error", err)
	}
	shield.WriteError(w, code, PublicMessage(err))
}

func int64Param(raw, name string, required bool) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return 0, invalidf("%s is required", name)
		}
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, invalidf("%s must be a positive integer, got %q", name, raw)
	}
	return n, nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	totals, err := s.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok", "rows": totals})
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeError(w, r, invalidf("file exceeds %d MB", s.cfg.MaxUploadMB))
			return
		}
		s.writeError(w, r, invalidf("multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, invalidf("file is required"))
		return
	}
	defer file.Close()
	data, err := horosafe.LimitedReadAll(file, s.cfg.MaxUploadBytes())
	if err != nil {
		s.writeError(w, r, invalidf("file: %v", err))
		return
	}

	req, err := uploadRequestFromForm(r, header.Filename, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Upload(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        "File uploaded successfully",
		"fileId":         res.Batch.ID,
		"rows":           res.Rows,
		"carriedForward": res.CarriedForward,
		"fileStatus":     res.Batch.Status,
		"downloadLink":   res.Batch.DownloadLink,
	})
}

func uploadRequestFromForm(r *http.Request, fallbackName string, data []byte) (UploadRequest, error) {
	req := UploadRequest{
		FileName:   strings.TrimSpace(r.FormValue("addedFileName")),
		UploadedBy: strings.TrimSpace(r.FormValue("uploadedByUserName")),
		Data:       data,
	}
	if req.FileName == "" {
		req.FileName = fallbackName
	}
	if v := strings.TrimSpace(r.FormValue("fileRowsCount")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, invalidf("fileRowsCount must be a non-negative integer, got %q", v)
		}
		req.RowCountHint = n
	}
	userID, err := int64Param(r.FormValue("userId"), "userId", true)
	if err != nil {
		return req, err
	}
	req.UserID = userID
	if v := strings.TrimSpace(r.FormValue("isAdmin")); v != "" {
		admin, err := strconv.ParseBool(v)
		if err != nil {
			return req, invalidf("isAdmin must be a boolean, got %q", v)
		}
		req.IsAdmin = admin
	}
	project, err := int64Param(r.FormValue("selectedProjectId"), "selectedProjectId", false)
	if err != nil {
		return req, err
	}
	if project > 0 {
		req.ProjectID = &project
	}
	if v := strings.TrimSpace(r.FormValue("selectedPatientTypeIds")); v != "" {
		if err := json.Unmarshal([]byte(v), &req.PatientTypeIDs); err != nil {
			return req, invalidf("selectedPatientTypeIds must be a JSON array of integers")
		}
	}
	if v := strings.TrimSpace(r.FormValue("fileUploadedOn")); v != "" {
		t, ok := store.ParseDate(v)
		if !ok {
			return req, invalidf("fileUploadedOn: unrecognised date %q", v)
		}
		req.UploadedOn = t
	}
	return req, nil
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	size := 0
	if v := r.URL.Query().Get("batchSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, invalidf("batchSize must be a positive integer, got %q", v))
			return
		}
		size = n
	}
	rows, err := s.Claim(r.Context(), size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "", rows)
}

func (s *Service) handleWriteback(w http.ResponseWriter, r *http.Request) {
	batchID, err := int64Param(r.URL.Query().Get("fileId"), "fileId", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var results []store.Result
	if err := json.NewDecoder(r.Body).Decode(&results); err != nil {
		s.writeError(w, r, invalidf("body must be a JSON array of results: %v", err))
		return
	}
	res, err := s.ApplyResults(r.Context(), batchID, results)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "Data updated successfully", res)
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	batchID, err := int64Param(r.URL.Query().Get("fileId"), "fileId", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dl, err := s.ResolveDownload(r.Context(), batchID, r.URL.Query().Get("fileName"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := openDownload(dl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", XLSXContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.FileName}))
	http.ServeContent(w, r, dl.FileName, dl.ModTime, f)
}

// openDownload opens a resolved artifact. A file removed since it was
// resolved, by a concurrent delete or regeneration, is NotFound.
func openDownload(dl *Download) (*os.File, error) {
	f, err := os.Open(dl.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, dl.FileName)
	}
	return f, err
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	batches, err := s.ListBatches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "", batches)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	batchID, err := int64Param(chi.URLParam(r, "fileId"), "fileId", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.BatchStatus(r.Context(), batchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "", view)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	batchID, err := int64Param(chi.URLParam(r, "fileId"), "fileId", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.DeleteBatch(r.Context(), batchID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "File deleted successfully", nil)
}

func (s *Service) handleOverview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.OverviewFilter
	if v := q.Get("fromDate"); v != "" {
		t, ok := store.ParseDate(v)
		if !ok {
			s.writeError(w, r, invalidf("fromDate: unrecognised date %q", v))
			return
		}
		f.From = t
	}
	if v := q.Get("toDate"); v != "" {
		t, ok := store.ParseDate(v)
		if !ok {
			s.writeError(w, r, invalidf("toDate: unrecognised date %q", v))
			return
		}
		// toDate names a day and includes it.
		f.To = t.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	project, err := int64Param(q.Get("projectId"), "projectId", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if project > 0 {
		f.ProjectID = &project
	}
	ov, err := s.Overview(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "", ov)
}

func (s *Service) handleRobotErrorPost(w http.ResponseWriter, r *http.Request) {
	var req RobotErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, invalidf("body: %v", err))
		return
	}
	e, err := s.RecordRobotError(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "Robot error logged", e)
}

func (s *Service) handleRobotErrorList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, invalidf("limit must be a positive integer, got %q", v))
			return
		}
		limit = n
	}
	errs, err := s.RobotErrors(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "", errs)
}
