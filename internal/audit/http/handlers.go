package audithttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const maxExportRange = 90 * 24 * time.Hour

// TrailService defines the read contract for the audit trail.
type TrailService interface {
	Trail(ctx context.Context, filters audit.Filters, page shared.PageRequest) (shared.Page[audit.Entry], error)
	Export(ctx context.Context, filters audit.Filters) ([]audit.Entry, error)
}

// Handler serves the audit trail endpoints.
type Handler struct {
	logger  *slog.Logger
	service TrailService
	guard   httpx.Guard
	now     func() time.Time
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service TrailService, guard httpx.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = httpx.OpenGuard{}
	}
	return &Handler{logger: logger, service: service, guard: guard, now: time.Now}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := httpx.ParsePage(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Trail(r.Context(), filters, page)
	if err != nil {
		h.respond(w, "list audit trail", err)
		return
	}
	httpx.WritePage(w, r, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.To.IsZero() {
		filters.To = h.now().UTC()
	}
	if filters.From.IsZero() {
		filters.From = filters.To.Add(-7 * 24 * time.Hour)
	}
	if filters.To.Sub(filters.From) > maxExportRange {
		httpx.RespondError(w, shared.NewValidationError("range", "export range must not exceed 90 days"))
		return
	}
	entries, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.respond(w, "export audit trail", err)
		return
	}
	data, err := audit.WriteCSV(entries)
	if err != nil {
		h.respond(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"permission-audit.csv\"")
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	verr := &shared.ValidationError{}
	filters := audit.Filters{
		EntityID:       strings.TrimSpace(q.Get("entity_id")),
		PermissionCode: strings.TrimSpace(q.Get("permission_code")),
	}
	if v := strings.TrimSpace(q.Get("entity_type")); v != "" {
		filters.EntityType = audit.EntityType(v)
		if !filters.EntityType.Valid() {
			verr.Add("entity_type", "unknown entity type")
		}
	}
	if v := strings.TrimSpace(q.Get("action_type")); v != "" {
		filters.ActionType = audit.ActionType(v)
		if !filters.ActionType.Valid() {
			verr.Add("action_type", "unknown action type")
		}
	}
	if by, ok, err := httpx.QueryInt64(r, "performed_by"); err != nil {
		verr.Add("performed_by", "must be a positive integer")
	} else if ok {
		filters.PerformedBy = by
	}
	filters.From = parseTime(q.Get("from"), "from", false, verr)
	filters.To = parseTime(q.Get("to"), "to", true, verr)
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		verr.Add("range", "from must not be after to")
	}
	if !verr.Empty() {
		return audit.Filters{}, verr
	}
	return filters, nil
}

// parseTime accepts RFC3339 or a bare date. A bare "to" date covers the whole day.
func parseTime(raw, field string, endOfDay bool, verr *shared.ValidationError) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		verr.Add(field, "must be a date (YYYY-MM-DD) or RFC3339 timestamp")
		return time.Time{}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t
}

func (h *Handler) respond(w http.ResponseWriter, message string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
