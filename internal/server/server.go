// Package server receives ASAP envelopes over HTTP and WebSocket, runs the
// inbound validation pipeline, and dispatches payloads to registered
// handlers. It also serves the agent's manifest.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/adriannoes/asap-protocol/internal/config"
	"github.com/adriannoes/asap-protocol/internal/envelope"
	"github.com/adriannoes/asap-protocol/internal/logger"
	"github.com/adriannoes/asap-protocol/internal/manifest"
	"github.com/adriannoes/asap-protocol/internal/metrics"
	"github.com/adriannoes/asap-protocol/internal/observability"
	"github.com/adriannoes/asap-protocol/internal/replay"
	"github.com/adriannoes/asap-protocol/internal/snapshot"
	"github.com/adriannoes/asap-protocol/internal/task"
)

// Wire paths served by the transport server.
const (
	EnvelopePath  = "/asap/v1/envelope"
	WebSocketPath = "/asap/v1/ws"
	ManifestPath  = "/.well-known/asap-manifest.json"
)

// Handler processes one validated payload and returns the response
// payload. Handlers never see an envelope that failed a pipeline stage.
type Handler func(ctx context.Context, env *envelope.Envelope, payload envelope.Payload) (envelope.Payload, error)

// Server is the ASAP transport server.
type Server struct {
	cfg       config.Config
	agentID   string
	guard     *replay.Guard
	auth      *Authenticator
	tasks     *task.Manager
	snapshots snapshot.Store
	metrics   *metrics.Collector
	manifest  *manifest.SignedManifest
	log       *slog.Logger

	mu       sync.RWMutex
	handlers map[envelope.PayloadType]Handler
}

// New assembles a server with the built-in ping and task handlers
// registered; callers may override them or add their own.
func New(cfg config.Config, guard *replay.Guard, store snapshot.Store, collector *metrics.Collector, sm *manifest.SignedManifest) *Server {
	s := &Server{
		cfg:       cfg,
		agentID:   cfg.AgentID,
		guard:     guard,
		auth:      NewAuthenticator(cfg.Auth),
		tasks:     task.NewManager(),
		snapshots: store,
		metrics:   collector,
		manifest:  sm,
		log:       logger.WithComponent("server"),
		handlers:  make(map[envelope.PayloadType]Handler),
	}
	s.Register(envelope.PayloadPing, s.handlePing)
	s.Register(envelope.PayloadTaskRequest, s.handleTaskRequest)
	s.Register(envelope.PayloadTaskCancel, s.handleTaskCancel)
	s.Register(envelope.PayloadTaskStatus, s.handleTaskStatus)
	return s
}

// Tasks exposes the server's task manager.
func (s *Server) Tasks() *task.Manager { return s.tasks }

// Register binds a handler to a payload type, replacing any previous one.
func (s *Server) Register(t envelope.PayloadType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

func (s *Server) handler(t envelope.PayloadType) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[t]
	return h, ok
}

// Routes returns the server's HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(EnvelopePath, s.handleEnvelope)
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	mux.HandleFunc(ManifestPath, s.handleManifest)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.HandleFunc("/metrics", s.metrics.Handler())
	}
	return mux
}

// pipelineError maps a pipeline stage failure to a protocol status code.
type pipelineError struct {
	status int
	code   string
	err    error
}

func (e *pipelineError) Error() string { return e.err.Error() }

// runPipeline validates one raw inbound envelope: authentication, replay
// freshness, then strict schema. Size is enforced by the callers before
// the body reaches here. It returns the decoded envelope and payload.
func (s *Server) runPipeline(ctx context.Context, r *http.Request, body []byte) (*envelope.Envelope, envelope.Payload, *pipelineError) {
	if r != nil {
		if err := s.auth.Authenticate(r); err != nil {
			return nil, nil, &pipelineError{status: http.StatusUnauthorized, code: "unauthorized", err: err}
		}
	}

	// Replay checks precede full schema validation, so only timestamp and
	// nonce are parsed leniently here.
	var probe struct {
		Timestamp time.Time `json:"timestamp"`
		Nonce     string    `json:"nonce"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, nil, &pipelineError{status: http.StatusBadRequest, code: "schema_violation", err: fmt.Errorf("malformed envelope: %w", err)}
	}
	freshness := &envelope.Envelope{Timestamp: probe.Timestamp, Nonce: probe.Nonce}
	if err := s.guard.Check(ctx, freshness); err != nil {
		return nil, nil, &pipelineError{status: http.StatusConflict, code: "replay_rejected", err: err}
	}

	env, err := envelope.Decode(body)
	if err != nil {
		return nil, nil, &pipelineError{status: http.StatusBadRequest, code: "schema_violation", err: err}
	}
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, nil, &pipelineError{status: http.StatusBadRequest, code: "schema_violation", err: err}
	}
	return env, payload, nil
}

// dispatch runs the registered handler and wraps its result in a reply.
func (s *Server) dispatch(ctx context.Context, env *envelope.Envelope, payload envelope.Payload) (*envelope.Envelope, *pipelineError) {
	ctx, span := observability.StartDispatchSpan(ctx, env.ID, env.Sender, env.Recipient, string(env.PayloadType))
	defer span.End()

	log := s.log
	if env.TraceID != "" {
		log = logger.WithTraceID(env.TraceID).With("component", "server")
	}
	log.Debug("dispatching envelope", "envelope_id", env.ID, "payload_type", string(env.PayloadType))

	h, ok := s.handler(env.PayloadType)
	if !ok {
		return nil, &pipelineError{
			status: http.StatusBadRequest,
			code:   "schema_violation",
			err:    fmt.Errorf("no handler for payload type %q", env.PayloadType),
		}
	}
	out, err := h(ctx, env, payload)
	if err != nil {
		var ite *task.InvalidTransitionError
		if errors.As(err, &ite) {
			return nil, &pipelineError{status: http.StatusConflict, code: "invalid_transition", err: err}
		}
		return nil, &pipelineError{status: http.StatusInternalServerError, code: "handler_error", err: err}
	}
	resp, rerr := env.Reply(out)
	if rerr != nil {
		return nil, &pipelineError{status: http.StatusInternalServerError, code: "handler_error", err: rerr}
	}
	return resp, nil
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)
	body, err := readBody(r)
	if err != nil {
		s.reject(w, nil, &pipelineError{status: http.StatusRequestEntityTooLarge, code: "payload_too_large", err: err})
		return
	}

	env, payload, perr := s.runPipeline(r.Context(), r, body)
	if perr != nil {
		s.reject(w, env, perr)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeReceived()
	}

	resp, perr := s.dispatch(r.Context(), env, payload)
	if perr != nil {
		s.reject(w, env, perr)
		return
	}
	s.writeEnvelope(w, http.StatusOK, resp)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// reject writes a protocol error response. When the offending envelope
// decoded far enough to identify its sender, the body is a correlated
// error envelope; otherwise a bare error payload is returned.
func (s *Server) reject(w http.ResponseWriter, env *envelope.Envelope, perr *pipelineError) {
	if s.metrics != nil {
		s.metrics.RecordRejection(perr.code)
	}
	s.log.Warn("envelope rejected", "code", perr.code, "error", perr.err.Error())

	errPayload := envelope.ErrorPayload{Code: perr.code, Message: perr.err.Error()}
	if env != nil {
		if resp, err := env.Reply(errPayload); err == nil {
			s.writeEnvelope(w, perr.status, resp)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.status)
	json.NewEncoder(w).Encode(errPayload)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env *envelope.Envelope) {
	data, err := env.Encode()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	// The served form reflects configuration exactly: a signing server
	// never strips its signature, an unsigned one never fakes one.
	json.NewEncoder(w).Encode(s.manifest)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "agent": s.agentID})
}

// ListenAndServe runs the server until ctx is cancelled, then drains with
// a shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.cfg.TLS.Enabled && s.cfg.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(s.cfg.TLS.CAFile)
		if err != nil {
			return fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("no certificates parsed from CA bundle %s", s.cfg.TLS.CAFile)
		}
		srv.TLSConfig = &tls.Config{
			ClientCAs:  pool,
			ClientAuth: tls.RequireAndVerifyClientCert,
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", s.cfg.ListenAddr)
		if s.cfg.TLS.Enabled {
			errCh <- srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
