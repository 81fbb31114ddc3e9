// Package dataplane serves the cache over HTTP.
package dataplane

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/oriys/kvcache/internal/cache"
	"github.com/oriys/kvcache/internal/logging"
	"github.com/oriys/kvcache/internal/metrics"
)

// DefaultMaxValueBytes is the largest accepted value, matching the MongoDB
// document size limit.
const DefaultMaxValueBytes int64 = 16 << 20

// Response bodies.
const (
	msgNotFound    = "Key not found"
	msgInternal    = "Internal server error"
	msgPut         = "Value put successfully"
	msgDeleted     = "Value deleted successfully"
	msgTooLarge    = "Value too large"
	msgKeyRequired = "Key is required"
	msgBadKey      = "Key must be valid UTF-8"
	msgBadBody     = "Invalid request body"
)

// Handler handles cache HTTP requests.
type Handler struct {
	Cache         *cache.Service
	MaxValueBytes int64
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Cache; /cache/keys is more specific than /cache/{key} and wins.
	mux.HandleFunc("GET /cache/keys", h.ListKeys)
	mux.HandleFunc("GET /cache/{key}", h.GetValue)
	mux.HandleFunc("PUT /cache/{key}", h.PutValue)
	mux.HandleFunc("POST /cache/{key}", h.PutValue)
	mux.HandleFunc("DELETE /cache/{key}", h.DeleteValue)

	// Key as ?key= query parameter
	mux.HandleFunc("GET /cache", h.GetValue)
	mux.HandleFunc("PUT /cache", h.PutValue)
	mux.HandleFunc("POST /cache", h.PutValue)
	mux.HandleFunc("DELETE /cache", h.DeleteValue)

	// Health probes
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)

	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

// GetValue handles GET /cache/{key}
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	key := keyOf(r)
	value, err := h.Cache.Get(r.Context(), key)
	if err != nil {
		h.fail(w, r, cache.OpGet, key, err)
		return
	}
	writeText(w, http.StatusOK, value)
}

// PutValue handles PUT and POST /cache/{key}. The body is stored verbatim.
func (h *Handler) PutValue(w http.ResponseWriter, r *http.Request) {
	key := keyOf(r)
	if err := cache.ValidateKey(key); err != nil {
		h.fail(w, r, cache.OpPut, key, err)
		return
	}

	limit := h.MaxValueBytes
	if limit <= 0 {
		limit = DefaultMaxValueBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logging.FromContext(r.Context()).Warn("value rejected",
				"key", key,
				"limit_bytes", limit,
			)
			writeText(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		writeText(w, http.StatusBadRequest, msgBadBody)
		return
	}

	if err := h.Cache.Put(r.Context(), key, string(body)); err != nil {
		h.fail(w, r, cache.OpPut, key, err)
		return
	}
	logging.FromContext(r.Context()).Debug("value stored", "key", key, "size_bytes", len(body))
	writeText(w, http.StatusOK, msgPut)
}

// DeleteValue handles DELETE /cache/{key}
func (h *Handler) DeleteValue(w http.ResponseWriter, r *http.Request) {
	key := keyOf(r)
	if err := h.Cache.Delete(r.Context(), key); err != nil {
		h.fail(w, r, cache.OpDelete, key, err)
		return
	}
	writeText(w, http.StatusOK, msgDeleted)
}

// ListKeys handles GET /cache/keys
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Cache.Keys(r.Context())
	if err != nil {
		h.fail(w, r, cache.OpKeys, "", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(keys)
}

// fail maps a service error to a response. Causes are logged, never
// written to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op, key string, err error) {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		writeText(w, http.StatusNotFound, msgNotFound)
	case errors.Is(err, cache.ErrMalformedKey):
		writeText(w, http.StatusBadRequest, msgBadKey)
	case errors.Is(err, cache.ErrInvalidKey):
		writeText(w, http.StatusBadRequest, msgKeyRequired)
	default:
		log := logging.FromContext(r.Context())
		if key != "" {
			log = log.With("key", key)
		}
		log.Error("cache operation failed", "op", op, logging.Err(err))
		writeText(w, http.StatusInternalServerError, msgInternal)
	}
}

func keyOf(r *http.Request) string {
	if key := r.PathValue("key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	io.WriteString(w, body)
}
