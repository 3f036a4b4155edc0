package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/metrics"
	"github.com/ChuLiYu/fedqueue/internal/notify"
	"github.com/ChuLiYu/fedqueue/internal/signature"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

const (
	defaultMaxInboxBody    = 1 << 20
	defaultDeadLetterLimit = 50
	maxJobBody             = 1 << 20
)

// HTTPConfig HTTP 管理介面設定
type HTTPConfig struct {
	MaxInboxBody int64
}

// HTTP 管理介面與簽名驗證後的 inbox
type HTTP struct {
	cfg      HTTPConfig
	jobs     Jobs
	verifier *signature.Verifier
	sink     notify.Sink
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewHTTP 建立 HTTP handler；verifier 為 nil 時不掛載 /inbox
func NewHTTP(cfg HTTPConfig, jobs Jobs, verifier *signature.Verifier, sink notify.Sink, m *metrics.Collector, logger *zap.Logger) *HTTP {
	if cfg.MaxInboxBody <= 0 {
		cfg.MaxInboxBody = defaultMaxInboxBody
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{cfg: cfg, jobs: jobs, verifier: verifier, sink: sink, metrics: m, logger: logger.Named("http")}
}

// Router 回傳掛好所有路由的 chi.Router
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Post("/jobs", h.enqueue)
		r.Get("/dead-letters", h.deadLetters)
	})

	if h.verifier != nil && h.sink != nil {
		r.Post("/inbox", h.inbox)
	}
	return r
}

func (h *HTTP) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *HTTP) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Status(r.Context()))
}

type enqueueRequest struct {
	Kind    types.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type enqueueResponse struct {
	ID   types.JobID `json:"id"`
	Kind types.Kind  `json:"kind"`
}

func (h *HTTP) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	job, err := h.jobs.EnqueueRaw(r.Context(), req.Kind, req.Payload)
	if err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, types.ErrMalformedPayload) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: job.ID, Kind: job.Kind})
}

func (h *HTTP) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	letters, err := h.jobs.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if letters == nil {
		letters = []types.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

// InboxActivity 是 inbox.activity 通知的內容
type InboxActivity struct {
	KeyID    string          `json:"key_id"`
	Actor    string          `json:"actor"`
	Activity json.RawMessage `json:"activity"`
}

// inbox 驗證簽名後才把 activity 交給 sink；驗證失敗一律 401
func (h *HTTP) inbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxInboxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.verifier.Verify(r.Context(), r, body)
	if err != nil {
		h.logger.Info("rejected inbox delivery", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusUnauthorized, errors.New("signature verification failed"))
		return
	}

	var act struct {
		Actor json.RawMessage `json:"actor"`
	}
	if err := json.Unmarshal(body, &act); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode activity: %w", err))
		return
	}
	// 簽名者必須是 activity 的 actor
	actor := actorID(act.Actor)
	if actor == "" || actor != id.Owner {
		h.logger.Info("inbox actor does not match signer",
			zap.String("actor", actor), zap.String("owner", id.Owner))
		writeError(w, http.StatusUnauthorized, errors.New("actor does not match signature"))
		return
	}

	ev, err := notify.NewEvent(notify.EventInboxActivity, types.Job{}, InboxActivity{
		KeyID:    id.KeyID,
		Actor:    actor,
		Activity: body,
	})
	if err == nil {
		err = h.sink.Publish(r.Context(), ev)
	}
	if err != nil {
		h.logger.Error("failed to forward inbox activity", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, errors.New("try again later"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// actorID 接受字串或帶 id 的物件
func actorID(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// ServeHTTP 啟動 HTTP；ctx 結束時 Shutdown
func ServeHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
