package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/bigmem/internal/storage"
	"github.com/kalambet/bigmem/internal/syncer"
)

const maxRequestBodySize = 1 << 10 // 1KB

// HistoryStore lists recorded apply attempts.
type HistoryStore interface {
	ListApplyRecords(key string, limit, offset int) ([]storage.ApplyRecord, error)
}

type AppDeps struct {
	Settings *syncer.Set
	History  HistoryStore // optional; if nil, /history returns 503
	Token    string
	Metrics  http.Handler // optional; if nil, /metrics is not mounted
}

// ApplyRequest is the body of PUT /settings/{key}.
type ApplyRequest struct {
	Value string `json:"value"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		r.Get("/settings", handleListSettings(deps))
		r.Get("/settings/{key}", handleGetSetting(deps))
		r.Put("/settings/{key}", handleApplySetting(deps))
		r.Post("/settings/{key}/restore", handleRestoreSetting(deps))
		r.Get("/history", handleHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Settings.Statuses())
	}
}

func handleGetSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Settings.Status(chi.URLParam(r, "key"))
		if err != nil {
			writeSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleApplySetting performs a single verified write. A mismatch answers
// 409 with the kernel's value; retrying is up to the client.
func handleApplySetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Get(chi.URLParam(r, "key"))
		if err != nil {
			writeSyncError(w, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ApplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Value == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "value is required")
			return
		}

		res, err := s.Apply(syncer.WithSource(r.Context(), "http"), req.Value)
		if err != nil {
			writeSyncError(w, err)
			return
		}
		if !res.Verified {
			writeJSON(w, http.StatusConflict, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRestoreSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Get(chi.URLParam(r, "key"))
		if err != nil {
			writeSyncError(w, err)
			return
		}

		value, err := s.Restore(syncer.WithSource(r.Context(), "http"))
		if err != nil {
			writeSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"key":   s.Key(),
			"value": value,
		})
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "apply history requires the sqlite storage backend")
			return
		}

		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		records, err := deps.History.ListApplyRecords(r.URL.Query().Get("key"), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list history: %v", err)
			return
		}
		if records == nil {
			records = []storage.ApplyRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
