package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/pacifier/internal/domain"
	"github.com/opensource-finance/pacifier/internal/journal"
	"github.com/opensource-finance/pacifier/internal/rules"
)

// BanStore exposes the escalation memory.
type BanStore interface {
	Snapshot() []domain.BanRecord
	Get(addr string) (domain.BanRecord, bool)
}

// ReportSource exposes the last completed cycle.
type ReportSource interface {
	LastReport() (domain.CycleReport, bool)
}

// CheckLister exposes the check registry.
type CheckLister interface {
	Checks() []rules.Check
}

// Deps are the components the status API reads from. Any may be nil.
type Deps struct {
	Cache   domain.Cache
	Bus     domain.EventBus
	Bans    BanStore
	Reports ReportSource
	Checks  CheckLister
	Journal *journal.Journal
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
	started time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		deps:    deps,
		version: version,
		started: time.Now(),
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check cache health
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
	if h.deps.Bus != nil {
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready handles GET /ready. Ready means the lookup cache and the event
// bus answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if h.deps.Cache != nil {
		checks["cache"] = "ok"
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			checks["cache"] = err.Error()
			ready = false
		}
	}
	if h.deps.Bus != nil {
		checks["bus"] = "ok"
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			checks["bus"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// ListBans handles GET /bans.
func (h *Handler) ListBans(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bans == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ban memory not available"})
		return
	}
	records := h.deps.Bans.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"bans":  records,
		"count": len(records),
	})
}

// GetBan handles GET /bans/{address}.
func (h *Handler) GetBan(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bans == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ban memory not available"})
		return
	}
	addr := chi.URLParam(r, "address")
	rec, ok := h.deps.Bans.Get(addr)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "address not remembered"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// LastCycle handles GET /verdicts.
func (h *Handler) LastCycle(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cycle driver not available"})
		return
	}
	report, ok := h.deps.Reports.LastReport()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cycle completed yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListChecks handles GET /checks.
func (h *Handler) ListChecks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Checks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"checks": []rules.Check{}, "count": 0})
		return
	}
	checks := h.deps.Checks.Checks()
	writeJSON(w, http.StatusOK, map[string]any{
		"checks": checks,
		"count":  len(checks),
	})
}

// eventTopics maps the short topic names accepted by /events.
var eventTopics = map[string]string{
	"verdict": domain.TopicVerdict,
	"ban":     domain.TopicBan,
	"cycle":   domain.TopicCycle,
}

// ListEvents handles GET /events?topic=ban&limit=50.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal not available"})
		return
	}

	name := r.URL.Query().Get("topic")
	if name == "" {
		name = "ban"
	}
	topic, ok := eventTopics[name]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown topic: " + name})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries := h.deps.Journal.Recent(topic, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":  topic,
		"events": entries,
		"count":  len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
