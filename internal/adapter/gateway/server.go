package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/config"
	"swarmbridge/internal/usecase"
)

// CycleController is the slice of the orchestrator the gateway drives.
type CycleController interface {
	Start(ctx context.Context, goal string) error
	Resume(ctx context.Context) error
	CanResume(ctx context.Context) error
	Stop()
	Snapshot() usecase.Snapshot
	DirectMessage(ctx context.Context, agentID, content string) (domain.Message, error)
	ClearHistory(ctx context.Context) error
}

// Approver resolves a pending tool invocation.
type Approver interface {
	Resolve(ctx context.Context, entryID, invocationID string, approved bool) error
}

// eventConn tracks a single WebSocket subscriber on the event feed.
type eventConn struct {
	ws        *websocket.Conn
	sendCh    chan domain.Event // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Server exposes the control API over HTTP plus a one-way WebSocket event
// feed at /ws. Cycle start and resume run asynchronously: the handler
// validates, dispatches, and returns 202 while the loop runs.
type Server struct {
	controller CycleController
	approver   Approver
	store      domain.MessageStore
	bus        domain.EventBus
	reachable  func() bool
	logger     *slog.Logger
	addr       string

	clients   sync.Map // connID (uint64) -> *eventConn
	nextID    atomic.Uint64
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()
}

// NewServer creates a gateway server. reachable reports whether the
// implementation engine is currently answering bridge probes.
func NewServer(cfg config.GatewayConfig, controller CycleController, approver Approver, store domain.MessageStore, bus domain.EventBus, reachable func() bool, logger *slog.Logger) *Server {
	if reachable == nil {
		reachable = func() bool { return false }
	}
	return &Server{
		controller: controller,
		approver:   approver,
		store:      store,
		bus:        bus,
		reachable:  reachable,
		logger:     logger,
		addr:       cfg.Listen,
	}
}

// Handler returns the gateway's route mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("POST /api/cycle/start", s.handleStart)
	mux.HandleFunc("POST /api/cycle/stop", s.handleStop)
	mux.HandleFunc("POST /api/cycle/resume", s.handleResume)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	mux.HandleFunc("POST /api/messages/direct", s.handleDirectMessage)
	mux.HandleFunc("POST /api/approvals/{entryID}/{invocationID}", s.handleApproval)
	return mux
}

// Start begins serving. Blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: s.Handler()}

	s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.clients.Range(func(_, value any) bool {
			cc := value.(*eventConn)
			select {
			case cc.sendCh <- event:
			default:
				s.logger.Warn("gateway: dropped event for slow client")
			}
			return true
		})
	})

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*eventConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

type startRequest struct {
	Goal string `json:"goal"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}
	if s.controller.Snapshot().Active {
		writeError(w, http.StatusConflict, domain.ErrCycleActive.Error())
		return
	}

	// Run the cycle detached from the request lifetime. A second start
	// racing past the snapshot check loses inside the orchestrator.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.controller.Start(ctx, req.Goal); err != nil {
			s.logger.Error("cycle start failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "status": "cycle started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.controller.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "stop requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.CanResume(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.controller.Resume(ctx); err != nil {
			s.logger.Error("cycle resume failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "status": "cycle resumed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.controller.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":            snap.State,
		"status":           snap.Status,
		"round":            snap.Round,
		"active":           snap.Active,
		"engine_reachable": s.reachable(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.History(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		s.logger.Error("history load failed", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ClearHistory(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "history cleared"})
}

type directMessageRequest struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

func (s *Server) handleDirectMessage(w http.ResponseWriter, r *http.Request) {
	var req directMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reply, err := s.controller.DirectMessage(r.Context(), req.AgentID, req.Content)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": reply})
}

type approvalRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entryID := r.PathValue("entryID")
	invocationID := r.PathValue("invocationID")
	if err := s.approver.Resolve(r.Context(), entryID, invocationID, req.Approved); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "invocation resolved"})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &eventConn{
		ws:     ws,
		sendCh: make(chan domain.Event, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected", "conn_id", connID)

	// The feed is one-way: discard client frames and watch for close.
	readCtx := ws.CloseRead(r.Context())

	s.writeLoop(readCtx, cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) writeLoop(ctx context.Context, cc *eventConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case event := <-cc.sendCh:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = cc.ws.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// statusFor maps domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case domain.IsNotFound(err), errors.Is(err, domain.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCycleActive), errors.Is(err, domain.ErrCycleNotPaused), errors.Is(err, domain.ErrApprovalPending):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
