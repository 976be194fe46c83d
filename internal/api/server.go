// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the thin HTTP admin surface over the query registry:
// create, list, inspect, delete, and pause/resume monitored queries. It is
// an external collaborator per spec.md §1 — no auth, no rate limiting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/apperrors"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/categories"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/registry"
	"github.com/GoddeerisEdouard/MarketplaceNotifier/internal/translate"
)

// Registry is the subset of registry.Store the handler needs.
type Registry interface {
	Create(ctx context.Context, browserURL, requestURL, query string) (*registry.Query, error)
	List(ctx context.Context, status *registry.Status) ([]registry.Query, error)
	Get(ctx context.Context, id int64) (*registry.Query, error)
	Delete(ctx context.Context, id int64) (bool, error)
	SetStatus(ctx context.Context, id int64, status registry.Status) (int64, error)
}

// Pinger is implemented by the Postgres pool and the Redis client, so
// /health can report on both without the handler importing either driver.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the query registry admin API.
type Handler struct {
	registry Registry
	cats     categories.Tables
	db       Pinger
	redis    Pinger
	mux      *http.ServeMux
}

// NewHandler builds the admin API's HTTP handler.
func NewHandler(reg Registry, cats categories.Tables, db, redis Pinger) *Handler {
	h := &Handler{registry: reg, cats: cats, db: db, redis: redis}
	mux := http.NewServeMux()
	mux.HandleFunc("/query", h.handleQueryCollection)
	mux.HandleFunc("/query/", h.handleQueryItem)
	mux.HandleFunc("/health", h.handleHealth)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type createQueryRequest struct {
	BrowserURL string `json:"browser_url"`
}

type queryResponse struct {
	ID            int64   `json:"id"`
	BrowserURL    string  `json:"browser_url"`
	RequestURL    string  `json:"request_url"`
	Query         string  `json:"query,omitempty"`
	Status        string  `json:"status"`
	NextCheckTime *string `json:"next_check_time,omitempty"`
}

func toResponse(q registry.Query) queryResponse {
	resp := queryResponse{
		ID:         q.ID,
		BrowserURL: q.BrowserURL,
		RequestURL: q.RequestURL,
		Query:      q.Query,
		Status:     string(q.Status),
	}
	if q.NextCheckTime != nil {
		s := q.NextCheckTime.Format(time.RFC3339)
		resp.NextCheckTime = &s
	}
	return resp
}

func (h *Handler) handleQueryCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createQuery(w, r)
	case http.MethodGet:
		h.listQueries(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) createQuery(w http.ResponseWriter, r *http.Request) {
	var req createQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := translate.Translate(req.BrowserURL, h.cats)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.registry.Create(r.Context(), result.CanonicalBrowserURL, result.RequestURL, result.Query)
	if err != nil {
		if apperrors.IsUniqueness(err) {
			writeError(w, http.StatusConflict, "query already exists")
			return
		}
		slog.Error("create query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(*q))
}

func (h *Handler) listQueries(w http.ResponseWriter, r *http.Request) {
	var statusFilter *registry.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := registry.Status(s)
		statusFilter = &st
	}

	queries, err := h.registry.List(r.Context(), statusFilter)
	if err != nil {
		slog.Error("list queries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]queryResponse, len(queries))
	for i, q := range queries {
		resp[i] = toResponse(q)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queries": resp})
}

func (h *Handler) handleQueryItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/query/")
	idPart, action, hasAction := strings.Cut(rest, "/")

	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}

	if hasAction && action == "status" {
		h.setStatus(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getQuery(w, r, id)
	case http.MethodDelete:
		h.deleteQuery(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) getQuery(w http.ResponseWriter, r *http.Request, id int64) {
	q, err := h.registry.Get(r.Context(), id)
	if err != nil {
		slog.Error("get query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if q == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(*q))
}

func (h *Handler) deleteQuery(w http.ResponseWriter, r *http.Request, id int64) {
	ok, err := h.registry.Delete(r.Context(), id)
	if err != nil {
		slog.Error("delete query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "query deleted"})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch registry.Status(req.Status) {
	case registry.StatusActive, registry.StatusPaused, registry.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be ACTIVE, PAUSED, or FAILED")
		return
	}

	n, err := h.registry.SetStatus(r.Context(), id, registry.Status(req.Status))
	if err != nil {
		slog.Error("set query status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	if err := h.redis.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write JSON response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Serve binds the handler to addr and blocks until ctx is cancelled,
// following the teacher's webhook.Handler.Serve bind-then-signal-ready
// pattern: the listener is opened before Serve returns control, so the
// caller knows the port is bound before proceeding.
func Serve(ctx context.Context, addr string, h http.Handler, ready chan<- struct{}) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: h}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	if ready != nil {
		close(ready)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
