// Package api exposes the fleet lifecycle over HTTP and provides the matching client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/secrets"
	"github.com/galadd/botfleet/internal/store"
)

const RequestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// Response is the envelope of every reply.
type Response struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
)

// Accounts persists the credentials and capital ceiling a user binds and serves the
// user's operation history.
type Accounts interface {
	SaveAccount(ctx context.Context, a *store.Account) error
	Operations(ctx context.Context, uid fleet.UserID, limit int) ([]store.Operation, error)
}

type AccountRequest struct {
	APIKey     string  `json:"api_key"`
	Secret     string  `json:"secret"`
	MaxCapital float64 `json:"max_capital"`
}

type AccountView struct {
	UserID     fleet.UserID `json:"user_id"`
	APIKey     string       `json:"api_key"`
	MaxCapital float64      `json:"max_capital"`
}

type NodeView struct {
	fleet.NodeLoad
	Error string `json:"error,omitempty"`
}

type LogsView struct {
	UserID fleet.UserID `json:"user_id"`
	Lines  int          `json:"lines"`
	Logs   string       `json:"logs"`
}

type ServerOptions struct {
	Addr      string
	RateLimit float64
	RateBurst int
	Gatherer  prometheus.Gatherer
}

type Server struct {
	mgr        *fleet.Manager
	reconciler *fleet.Reconciler
	accounts   Accounts
	locks      *fleet.UserLocks
	limiter    *userLimiter
	opts       ServerOptions
	log        *slog.Logger
}

// NewServer wires the routes. reconciler may be nil, in which case POST /reconcile is unavailable.
func NewServer(mgr *fleet.Manager, reconciler *fleet.Reconciler, accounts Accounts, locks *fleet.UserLocks, opts ServerOptions, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = fleet.NewUserLocks()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		mgr:        mgr,
		reconciler: reconciler,
		accounts:   accounts,
		locks:      locks,
		limiter:    newUserLimiter(opts.RateLimit, opts.RateBurst),
		opts:       opts,
		log:        log.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.logRequests)

	r.HandleFunc("/users/{id}/service", s.mutating(s.createService)).Methods("POST")
	r.HandleFunc("/users/{id}/service", s.mutating(s.stopService)).Methods("DELETE")
	r.HandleFunc("/users/{id}/service", s.serviceStatus).Methods("GET")
	r.HandleFunc("/users/{id}/service/restart", s.mutating(s.restartService)).Methods("POST")
	r.HandleFunc("/users/{id}/service/logs", s.serviceLogs).Methods("GET")
	r.HandleFunc("/users/{id}/placement", s.placement).Methods("GET")
	r.HandleFunc("/users/{id}/operations", s.operations).Methods("GET")
	r.HandleFunc("/users/{id}/account", s.mutating(s.bindAccount)).Methods("PUT")

	r.HandleFunc("/nodes", s.nodes).Methods("GET")
	r.HandleFunc("/services", s.services).Methods("GET")
	r.HandleFunc("/reconcile", s.reconcile).Methods("POST")
	r.HandleFunc("/health", s.health).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api: %w", err)
	}
	return nil
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			return
		}
		s.log.Info("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start), "request_id", requestIDFrom(r.Context()))
	})
}

// mutating rate limits per user and holds the user's lock for the whole call. A client that
// disconnects does not cancel the operation; every orchestrator call has its own timeout.
func (s *Server) mutating(h func(http.ResponseWriter, *http.Request, fleet.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.userID(w, r)
		if !ok {
			return
		}
		if !s.limiter.Allow(uid) {
			s.reply(w, r, http.StatusTooManyRequests, false, "too many requests for this user, slow down", nil)
			return
		}
		defer s.locks.Lock(uid)()
		h(w, r.WithContext(context.WithoutCancel(r.Context())), uid)
	}
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (fleet.UserID, bool) {
	uid, err := fleet.ParseUserID(mux.Vars(r)["id"])
	if err != nil {
		s.reply(w, r, http.StatusBadRequest, false, "invalid user id", nil)
		return 0, false
	}
	return uid, true
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, status int, success bool, msg string, data any) {
	resp := Response{Success: success, Message: msg, RequestID: requestIDFrom(r.Context())}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.log.Error("failed to encode response", "error", err)
			status, resp.Success, resp.Message = http.StatusInternalServerError, false, "failed to encode response"
		} else {
			resp.Data = raw
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrCapacityExhausted):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrCredentialsMissing), errors.Is(err, fleet.ErrUserDirMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, fleet.ErrOrchestratorUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, fleet.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, okStatus int, res fleet.Result, err error) {
	if err != nil {
		s.reply(w, r, statusFor(err), false, res.Message, res)
		return
	}
	s.reply(w, r, okStatus, true, res.Message, res)
}

func (s *Server) createService(w http.ResponseWriter, r *http.Request, uid fleet.UserID) {
	res, err := s.mgr.Create(r.Context(), uid)
	s.lifecycle(w, r, http.StatusCreated, res, err)
}

func (s *Server) stopService(w http.ResponseWriter, r *http.Request, uid fleet.UserID) {
	res, err := s.mgr.Stop(r.Context(), uid)
	s.lifecycle(w, r, http.StatusOK, res, err)
}

func (s *Server) restartService(w http.ResponseWriter, r *http.Request, uid fleet.UserID) {
	res, err := s.mgr.Restart(r.Context(), uid)
	s.lifecycle(w, r, http.StatusOK, res, err)
}

func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	info := s.mgr.Status(r.Context(), uid)
	if info.State == fleet.ServiceError {
		s.reply(w, r, http.StatusServiceUnavailable, false, info.Message, info)
		return
	}
	s.reply(w, r, http.StatusOK, true, string(info.State), info)
}

func (s *Server) serviceLogs(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.reply(w, r, http.StatusBadRequest, false, "lines must be an integer", nil)
			return
		}
		lines = n
	}

	out, err := s.mgr.Logs(r.Context(), uid, lines)
	if err != nil {
		s.reply(w, r, statusFor(err), false, fleet.UserMessage(err), nil)
		return
	}
	s.reply(w, r, http.StatusOK, true, "", LogsView{UserID: uid, Lines: lines, Logs: out})
}

func (s *Server) placement(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	p, err := s.mgr.Placement(r.Context(), uid)
	if err != nil {
		s.reply(w, r, statusFor(err), false, fleet.UserMessage(err), nil)
		return
	}
	if p == nil {
		s.reply(w, r, http.StatusNotFound, false, "no placement recorded", nil)
		return
	}
	s.reply(w, r, http.StatusOK, true, string(p.Status), p)
}

func (s *Server) bindAccount(w http.ResponseWriter, r *http.Request, uid fleet.UserID) {
	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reply(w, r, http.StatusBadRequest, false, "invalid request body", nil)
		return
	}
	creds := fleet.Credentials{APIKey: req.APIKey, Secret: req.Secret}
	if !creds.Complete() || secrets.IsPlaceholder(req.APIKey) || secrets.IsPlaceholder(req.Secret) {
		s.reply(w, r, http.StatusBadRequest, false, "api_key and secret are required", nil)
		return
	}
	if req.MaxCapital < 0 {
		s.reply(w, r, http.StatusBadRequest, false, "max_capital must not be negative", nil)
		return
	}

	err := s.accounts.SaveAccount(r.Context(), &store.Account{
		UserID:      uid,
		Credentials: creds,
		MaxCapital:  req.MaxCapital,
	})
	if err != nil {
		s.log.Error("failed to save account", "user_id", uid, "error", err)
		s.reply(w, r, http.StatusInternalServerError, false, "failed to save account", nil)
		return
	}

	s.log.Info("account bound", "user_id", uid, "credentials", creds.String())
	s.reply(w, r, http.StatusOK, true, "account bound", AccountView{
		UserID:     uid,
		APIKey:     secrets.Mask(req.APIKey),
		MaxCapital: req.MaxCapital,
	})
}

func (s *Server) nodes(w http.ResponseWriter, r *http.Request) {
	loads, err := s.mgr.Nodes(r.Context())
	if err != nil {
		s.reply(w, r, statusFor(err), false, fleet.UserMessage(err), nil)
		return
	}
	views := make([]NodeView, 0, len(loads))
	for _, l := range loads {
		v := NodeView{NodeLoad: l}
		if l.Err != nil {
			v.Error = l.Err.Error()
		}
		views = append(views, v)
	}
	s.reply(w, r, http.StatusOK, true, fmt.Sprintf("%d nodes", len(views)), views)
}

func (s *Server) services(w http.ResponseWriter, r *http.Request) {
	services, err := s.mgr.Services(r.Context())
	if err != nil {
		s.reply(w, r, statusFor(err), false, fleet.UserMessage(err), nil)
		return
	}
	s.reply(w, r, http.StatusOK, true, fmt.Sprintf("%d services", len(services)), services)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.reply(w, r, http.StatusServiceUnavailable, false, "reconciler not configured", nil)
		return
	}
	run := s.reconciler.Reconcile
	if raw := r.URL.Query().Get("cleanup"); raw != "" {
		cleanup, err := strconv.ParseBool(raw)
		if err != nil {
			s.reply(w, r, http.StatusBadRequest, false, "cleanup must be a boolean", nil)
			return
		}
		run = func(ctx context.Context) (fleet.ReconcileReport, error) {
			return s.reconciler.ReconcileWith(ctx, fleet.ReconcileOptions{Cleanup: cleanup})
		}
	}

	report, err := run(r.Context())
	if err != nil {
		s.reply(w, r, statusFor(err), false, err.Error(), nil)
		return
	}
	s.reply(w, r, http.StatusOK, true, "reconciled", report)
}

func (s *Server) operations(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.reply(w, r, http.StatusBadRequest, false, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	ops, err := s.accounts.Operations(r.Context(), uid, limit)
	if err != nil {
		s.log.Error("failed to read operations", "user_id", uid, "error", err)
		s.reply(w, r, http.StatusInternalServerError, false, "failed to read operation history", nil)
		return
	}
	if ops == nil {
		ops = []store.Operation{}
	}
	s.reply(w, r, http.StatusOK, true, fmt.Sprintf("%d operations", len(ops)), ops)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Ping(r.Context()); err != nil {
		s.reply(w, r, http.StatusServiceUnavailable, false, fleet.UserMessage(err), nil)
		return
	}
	s.reply(w, r, http.StatusOK, true, "ok", nil)
}
