package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/opnlabs/gantry/pkg/engine"
	"github.com/opnlabs/gantry/pkg/models"
)

// Request signing headers. Every event delivery carries a unix timestamp
// and an HMAC signature over it, the request method and the body hash.
const (
	HeaderTimestamp = "X-Gantry-Ts"
	HeaderSignature = "X-Gantry-Sig"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// LoadFunc supplies the pipeline definition for an accepted event. It is
// called once per delivery so definition edits are picked up without a
// restart.
type LoadFunc func() (*models.Definition, error)

// Options configure the webhook server. Zero values fall back to sane
// defaults except Secret, which must be set before deliveries verify.
type Options struct {
	Addr     string
	Secret   string
	MaxSkew  time.Duration
	Logger   *log.Logger
	Gatherer prometheus.Gatherer
}

// Server accepts signed trigger events over HTTP and hands them to the
// engine. Runs started by concurrent deliveries share the engine's
// concurrency-group registry, so cancel-in-progress groups preempt across
// deliveries exactly as they do for local runs.
type Server struct {
	addr    string
	secret  string
	maxSkew time.Duration
	logger  *log.Logger
	eng     *engine.Engine
	load    LoadFunc
	httpSrv *http.Server

	runCtx   context.Context
	stopRuns context.CancelFunc
	runs     sync.WaitGroup
}

func New(eng *engine.Engine, load LoadFunc, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}

	runCtx, stopRuns := context.WithCancel(context.Background())
	s := &Server{
		addr:     opts.Addr,
		secret:   opts.Secret,
		maxSkew:  opts.MaxSkew,
		logger:   opts.Logger,
		eng:      eng,
		load:     load,
		runCtx:   runCtx,
		stopRuns: stopRuns,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "gantry-webhook")
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Post("/api/v1/events", s.handleEvent)

	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts the listener and blocks until ctx is cancelled or the
// listener fails. On cancellation the HTTP side shuts down first, then
// in-flight pipeline runs are cancelled and drained. The engine's grace
// period bounds how long a run takes to settle after the cancel.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("webhook server listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpSrv.Shutdown(sctx)
		s.stopRuns()
		s.runs.Wait()
		return err
	})

	return g.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "gantry",
		"status":  "ok",
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.secret) == "" {
		s.logger.Error("event rejected, no webhook secret configured")
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if ts == "" || sig == "" {
		writeError(w, r, http.StatusUnauthorized, "signature_required")
		return
	}

	if err := verifyTimestamp(ts, time.Now().UTC(), s.maxSkew); err != nil {
		s.logger.Warn("event rejected", "reason", "timestamp", "err", err)
		writeError(w, r, http.StatusUnauthorized, "signature_invalid")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	if err := Verify(s.secret, ts, r.Method, body, sig); err != nil {
		s.logger.Warn("event rejected", "reason", "signature")
		writeError(w, r, http.StatusUnauthorized, "signature_invalid")
		return
	}

	var ev models.TriggerEvent
	if err := decodeJSON(bytes.NewReader(body), &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := models.ValidateEvent(ev.Event); err != nil {
		s.logger.Warn("event rejected", "reason", "event", "err", err)
		writeError(w, r, http.StatusBadRequest, "invalid_event")
		return
	}

	def, err := s.load()
	if err != nil {
		s.logger.Error("pipeline definition failed to load", "err", err)
		writeError(w, r, http.StatusInternalServerError, "pipeline_load_failed")
		return
	}

	if !def.On.Matches(ev) {
		s.logger.Info("event ignored, no trigger matches", "event", ev.Event, "ref", ev.Ref, "pipeline", def.Name)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ignored",
			"pipeline": def.Name,
		})
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		run, err := s.eng.Execute(s.runCtx, def, ev)
		if err != nil {
			s.logger.Error("run did not start", "pipeline", def.Name, "err", err)
			return
		}
		if run.Failed() {
			s.logger.Error("run finished", "pipeline", def.Name, "run", run.ID, "status", run.Status())
		}
	}()

	s.logger.Info("event accepted", "event", ev.Event, "ref", ev.Ref, "pipeline", def.Name)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"pipeline": def.Name,
		"event":    ev.Event,
		"ref":      ev.Ref,
	})
}

// Sign computes the delivery signature a client must send: an HMAC-SHA256
// over the timestamp, the upper-cased request method and the hex SHA-256 of
// the body, joined by newlines, encoded with unpadded base64url.
func Sign(secret, ts, method string, body []byte) (string, error) {
	mac, err := computeMAC(secret, ts, method, body)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify checks a delivery signature against the shared secret.
func Verify(secret, ts, method string, body []byte, signature string) error {
	expected, err := computeMAC(secret, ts, method, body)
	if err != nil {
		return err
	}
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !hmac.Equal(expected, got) {
		return errors.New("invalid signature")
	}
	return nil
}

func computeMAC(secret, ts, method string, body []byte) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return nil, errors.New("timestamp is required")
	}

	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		ts,
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func verifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	tsTime := time.Unix(parsed, 0).UTC()
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func decodeJSON(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": middleware.GetReqID(r.Context()),
	})
}
