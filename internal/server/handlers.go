package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/data"
	"github.com/dgnsrekt/fieldsync/internal/source"
	fsync "github.com/dgnsrekt/fieldsync/internal/sync"
)

// Poller runs poll cycles on demand and reports status.
type Poller interface {
	Poll(ctx context.Context) (data.ChangeSet, error)
	Status() fsync.Status
}

// Submitter appends a submission to the source.
type Submitter interface {
	Submit(ctx context.Context, values []any) (fsync.Submission, error)
}

// SubscriberCounter reports connected streaming clients.
type SubscriberCounter interface {
	Subscribers() int
}

type Server struct {
	store       *data.Store
	poller      Poller
	submitter   Submitter
	subscribers SubscriberCounter
	startedAt   time.Time
	logger      *zap.Logger
}

func NewServer(store *data.Store, poller Poller, submitter Submitter, subscribers SubscriberCounter, logger *zap.Logger) *Server {
	return &Server{
		store:       store,
		poller:      poller,
		submitter:   submitter,
		subscribers: subscribers,
		startedAt:   time.Now(),
		logger:      logger,
	}
}

type snapshotResponse struct {
	Columns []string      `json:"columns"`
	Rows    []data.Record `json:"rows"`
	Updated *time.Time    `json:"updated,omitempty"`
}

type rowsResponse struct {
	Rows map[int]data.Record `json:"rows"`
}

type submissionRequest struct {
	Fields []any `json:"fields"`
}

type refreshResponse struct {
	Changed int        `json:"changed"`
	Removed int        `json:"removed"`
	Rows    int        `json:"rows"`
	Updated *time.Time `json:"updated,omitempty"`
}

type healthResponse struct {
	Status      string       `json:"status"`
	Rows        int          `json:"rows"`
	Subscribers int          `json:"subscribers"`
	Uptime      string       `json:"uptime"`
	Poller      fsync.Status `json:"poller"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := s.poller.Status()

	resp := healthResponse{
		Status:      "ok",
		Rows:        s.store.Len(),
		Subscribers: s.subscribers.Subscribers(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Poller:      status,
	}
	if status.ConsecutiveFailures > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSnapshot handles GET /api/snapshot.
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Current()

	resp := snapshotResponse{
		Columns: snap.Columns,
		Rows:    snap.Rows,
		Updated: timePtr(snap.Updated),
	}
	if resp.Columns == nil {
		resp.Columns = []string{}
	}
	if resp.Rows == nil {
		resp.Rows = []data.Record{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRows handles GET /api/rows?index=..
func (s *Server) GetRows(w http.ResponseWriter, r *http.Request) {
	var indices []int
	if err := runtime.BindQueryParameter("form", true, true, "index", r.URL.Query(), &indices); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rowsResponse{Rows: s.store.RowsAt(indices)})
}

// SubmitRecord handles POST /api/records.
func (s *Server) SubmitRecord(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	for i, f := range req.Fields {
		switch f.(type) {
		case string, float64, bool, nil:
		default:
			writeError(w, http.StatusBadRequest, "field "+strconv.Itoa(i)+" is not a scalar")
			return
		}
	}

	sub, err := s.submitter.Submit(r.Context(), req.Fields)
	if err != nil {
		s.logger.Warn("submission failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Refresh handles POST /api/refresh.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	cs, err := s.poller.Poll(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	snap := s.store.Current()
	writeJSON(w, http.StatusOK, refreshResponse{
		Changed: len(cs.AddedOrModified),
		Removed: len(cs.RemovedIndices),
		Rows:    snap.Len(),
		Updated: timePtr(snap.Updated),
	})
}

// statusFor maps source and poller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fsync.ErrPollInProgress):
		return http.StatusConflict
	case errors.Is(err, source.ErrWriteRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, source.ErrFormat):
		return http.StatusBadGateway
	case errors.Is(err, source.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
