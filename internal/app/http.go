package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inspection/api/internal/changelog"
	"inspection/api/internal/logger"
	"inspection/api/internal/search"
	"inspection/api/internal/store"
)

const actorHeader = "X-Actor-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "reports" && r.Method == http.MethodGet {
		page, err := s.service.ReportPage(r.Context(), parts[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(page))
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "inspections" {
		switch r.Method {
		case http.MethodGet:
			s.handleSearch(w, r)
		case http.MethodPost:
			s.handleCreate(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "inspections" && parts[2] == "by-pretty-id" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		record, err := s.service.GetRecordByPrettyID(r.Context(), parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inspection": newRecordView(record)})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "inspections" {
		s.handleInspection(w, r, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		Status:     strings.TrimSpace(query.Get("status")),
		BranchCode: strings.ToUpper(strings.TrimSpace(query.Get("branchCode"))),
		Limit:      20,
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	branch, _ := body["branchCode"].(string)
	delete(body, "branchCode")

	record, err := s.service.CreateRecord(r.Context(), CreateRecordInput{BranchCode: branch, Fields: body}, actorID(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"inspection": newRecordView(record)})
}

func (s *HTTPServer) handleInspection(w http.ResponseWriter, r *http.Request, recordID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		record, err := s.service.GetRecord(r.Context(), recordID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inspection": newRecordView(record)})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodPatch {
		var update map[string]any
		if err := decodeBody(r, &update); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.StageEdit(r.Context(), recordID, actorID(r), update)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"inspection": newRecordView(result.Record),
			"changes":    newChangeViews(result.Entries),
		})
		return
	}

	if len(parts) == 4 && parts[3] == "changes" && r.Method == http.MethodGet {
		entries, err := s.service.ListChanges(r.Context(), recordID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": newChangeViews(entries)})
		return
	}

	if len(parts) == 4 && parts[3] == "pending" && r.Method == http.MethodGet {
		pending, err := s.service.PendingRecord(r.Context(), recordID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		preview := pending.Record
		preview.Content = pending.Merged
		skipped := make([]map[string]any, 0, len(pending.Skipped))
		for _, item := range pending.Skipped {
			skipped = append(skipped, map[string]any{"change": newChangeView(item.Entry), "reason": string(item.Reason)})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"inspection": newRecordView(preview),
			"applied":    newChangeViews(pending.Applied),
			"skipped":    skipped,
		})
		return
	}

	if len(parts) == 4 && r.Method == http.MethodPost {
		var (
			record store.InspectionRecord
			err    error
		)
		actor := actorID(r)
		switch parts[3] {
		case "approve":
			ctx := r.Context()
			if timeout := s.service.cfg.ApproveTimeout; timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			record, err = s.service.Approve(ctx, recordID, actor)
		case "archive":
			record, err = s.service.Archive(r.Context(), recordID, actor)
		case "deactivate":
			record, err = s.service.Deactivate(r.Context(), recordID, actor)
		case "activate":
			record, err = s.service.Activate(r.Context(), recordID, actor)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inspection": newRecordView(record)})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

type recordView struct {
	ID             string         `json:"id"`
	PrettyID       string         `json:"prettyId"`
	BranchCode     string         `json:"branchCode"`
	Status         string         `json:"status"`
	InspectorID    string         `json:"inspectorId"`
	ReviewerID     *string        `json:"reviewerId"`
	PlateNumber    string         `json:"plateNumber"`
	InspectionDate string         `json:"inspectionDate"`
	OverallRating  string         `json:"overallRating"`
	Sections       map[string]any `json:"sections"`
	ReportURL      string         `json:"reportUrl,omitempty"`
	ReportHash     string         `json:"reportHash,omitempty"`
	AnchorTxRef    string         `json:"anchorTxRef,omitempty"`
	AssetRef       string         `json:"assetRef,omitempty"`
	ArchivedAt     *time.Time     `json:"archivedAt"`
	DeactivatedAt  *time.Time     `json:"deactivatedAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func newRecordView(record store.InspectionRecord) recordView {
	doc := record.Content.Document()
	sections := make(map[string]any, len(store.SectionNames))
	for _, name := range store.SectionNames {
		sections[name] = doc[name]
	}
	return recordView{
		ID:             record.ID,
		PrettyID:       record.PrettyID,
		BranchCode:     record.BranchCode,
		Status:         record.Status,
		InspectorID:    record.InspectorID,
		ReviewerID:     record.ReviewerID,
		PlateNumber:    record.Content.PlateNumber,
		InspectionDate: record.Content.InspectionDate.Format(store.DateLayout),
		OverallRating:  record.Content.OverallRating,
		Sections:       sections,
		ReportURL:      record.Archival.ReportURL,
		ReportHash:     record.Archival.ReportHash,
		AnchorTxRef:    record.Archival.AnchorTxRef,
		AssetRef:       record.Archival.AssetRef,
		ArchivedAt:     record.ArchivedAt,
		DeactivatedAt:  record.DeactivatedAt,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

type changeView struct {
	ID        int64     `json:"id"`
	ActorID   string    `json:"actorId"`
	Path      []string  `json:"path"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
	CreatedAt time.Time `json:"createdAt"`
}

func newChangeView(entry store.ChangeLogEntry) changeView {
	return changeView{
		ID:        entry.ID,
		ActorID:   entry.ActorID,
		Path:      entry.Path,
		OldValue:  entry.OldValue,
		NewValue:  entry.NewValue,
		CreatedAt: entry.CreatedAt,
	}
}

func newChangeViews(entries []store.ChangeLogEntry) []changeView {
	views := make([]changeView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newChangeView(entry))
	}
	return views
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	log := s.service.log
	if log == nil {
		log = logger.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Info("HTTP request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fieldErr *changelog.FieldError
	if errors.As(err, &fieldErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", fieldErr.Error(), map[string]any{"path": fieldErr.Path}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
