package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/pm2-telemetry/internal/api"
	"github.com/skobkin/pm2-telemetry/internal/config"
	"github.com/skobkin/pm2-telemetry/internal/hostinfo"
	"github.com/skobkin/pm2-telemetry/internal/logrelay"
	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/poller"
	"github.com/skobkin/pm2-telemetry/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	host       hostinfo.Info
	poller     *poller.Manager
	relay      *logrelay.Relay

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. relay may be nil when log
// forwarding is disabled.
func New(cfg config.Config, logger *slog.Logger, host hostinfo.Info, pollerManager *poller.Manager, relay *logrelay.Relay) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		host:   host,
		poller: pollerManager,
		relay:  relay,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/metrics", s.handleAPIMetrics)
	mux.HandleFunc("/api/processes", s.handleAPIProcesses)
	mux.HandleFunc("/api/stats", s.handleAPIStats)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	batch, ok := s.latestBatch()
	if !ok {
		http.Error(w, "no batch available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, batch)
}

func (s *Server) handleAPIProcesses(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	batch, ok := s.latestBatch()
	if !ok {
		http.Error(w, "no batch available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, processRollups(batch))
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.poller == nil {
		http.Error(w, "poller unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.poller.Stats())
}

func (s *Server) latestBatch() (metrics.Batch, bool) {
	if s.poller == nil {
		return metrics.Batch{}, false
	}
	return s.poller.Latest()
}

func processRollups(batch metrics.Batch) []api.ProcessRollup {
	out := make([]api.ProcessRollup, 0, len(batch.Names))
	for _, name := range batch.Names {
		out = append(out, api.ProcessRollup{Name: name, Totals: batch.ByName[name]})
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	logger := s.loggerFromContext(r.Context())
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write response", "err", err)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}
	if s.poller == nil {
		http.Error(w, "poller unavailable", http.StatusServiceUnavailable)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)

	closeWith := wsClosedNormally
	defer func() { closeWebsocket(logger, conn, closeWith) }()

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	features := map[string]bool{
		"logs":       s.relay != nil,
		"prometheus": s.cfg.EnablePrometheus,
	}
	hello := api.NewHelloMessage(
		s.poller.Interval().Milliseconds(),
		s.host.Hostname,
		s.cfg.ExportEnabled(),
		features,
	)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	batches, unsubscribe := s.poller.Subscribe()

	defer func() {
		unsubscribe()
		outbound.close()
		cancel()
		<-writerDone
	}()

	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				logger.Debug("batch stream closed")
				closeWith = wsClosedPollerDone
				return
			}
			if !s.enqueueMessage(outbound, api.NewBatchMessage(batch), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, logger); err != nil {
				logger.Warn("client message handling error", "err", err)
				closeWith = wsClosedBadMessage
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		if !s.enqueueError(outbound, "invalid message", logger) {
			return fmt.Errorf("failed to enqueue decode error")
		}
		return nil
	}

	switch envelope.Type {
	case "ping":
		if !s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: msg}, logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		ExportEnabled: s.cfg.ExportEnabled(),
	}

	if s.poller == nil {
		resp.Status = "degraded"
		resp.Reason = "poller_not_configured"
		return resp
	}

	stats := s.poller.Stats()
	resp.Cycles = stats.Cycles
	resp.State = stats.State

	if s.poller.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_batch"
	return resp
}

type readyResponse struct {
	Status        string `json:"status"`
	State         string `json:"state,omitempty"`
	Cycles        uint64 `json:"cycles"`
	ExportEnabled bool   `json:"export_enabled"`
	Reason        string `json:"reason,omitempty"`
}

type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	droppedOld := false
	select {
	case <-o.ch:
		droppedOld = true
	default:
	}
	if droppedOld {
		o.countDrop()
	}

	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
