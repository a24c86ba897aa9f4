package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/config"
)

// Server owns the two mailbox slots and their HTTP surface. The endpoint
// paths mirror the channel ends: /bridge/cli/* is the driver's side,
// /bridge/app/* is the engine's side.
type Server struct {
	in  Slot // driver → app
	out Slot // app → driver

	contextLog *ContextLog
	limiter    *rate.Limiter
	bus        domain.EventBus // optional
	logger     *slog.Logger
	newID      func() string
}

// NewServer creates a bridge server. contextLog may be nil to disable the
// audit file.
func NewServer(cfg config.BridgeConfig, contextLog *ContextLog, bus domain.EventBus, logger *slog.Logger) *Server {
	perMin := cfg.SubmitsPerMin
	if perMin <= 0 {
		perMin = 30
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 5
	}
	return &Server{
		contextLog: contextLog,
		limiter:    rate.NewLimiter(rate.Limit(float64(perMin)/60.0), burst),
		bus:        bus,
		logger:     logger,
		newID:      func() string { return ulid.Make().String() },
	}
}

// Submit places driver content into the driver→app slot, overwriting any
// unconsumed submission, and mirrors it to the context log.
func (s *Server) Submit(content string) (domain.Message, error) {
	msg := domain.Message{
		ID:        s.newID(),
		Content:   content,
		Timestamp: time.Now(),
	}
	env, err := domain.NewMessageEnvelope(domain.SourceDriver, msg)
	if err != nil {
		return domain.Message{}, err
	}
	s.in.Put(env)

	if s.contextLog != nil {
		if err := s.contextLog.Append("CLI", msg); err != nil {
			s.logger.Warn("context log append failed", "error", err)
		}
	}
	s.publishEvent(domain.EventBridgeSubmitted, msg.ID)
	s.logger.Info("bridge submission stored", "id", msg.ID, "chars", len(content))
	return msg, nil
}

// PollInput atomically consumes the driver→app slot. ok is false on an
// empty slot, which is the normal idle result.
func (s *Server) PollInput() (domain.Message, bool, error) {
	env, ok := s.in.Take()
	if !ok {
		return domain.Message{}, false, nil
	}
	if err := env.Validate(); err != nil {
		return domain.Message{}, false, err
	}
	msg, err := env.Message()
	if err != nil {
		return domain.Message{}, false, err
	}
	s.logger.Info("bridge submission consumed", "id", msg.ID)
	return msg, true, nil
}

// Publish stores a finalized message in the app→driver slot. Thinking
// messages are ignored without touching the slot: partial output must never
// reach the driver.
func (s *Server) Publish(msg domain.Message) error {
	if msg.Thinking {
		s.logger.Debug("refusing to publish thinking message", "id", msg.ID)
		return nil
	}
	env, err := domain.NewMessageEnvelope(domain.SourceEngine, msg)
	if err != nil {
		return err
	}
	s.out.Put(env)

	if s.contextLog != nil {
		if err := s.contextLog.Append("SWARM", msg); err != nil {
			s.logger.Warn("context log append failed", "error", err)
		}
	}
	s.publishEvent(domain.EventBridgePublished, msg.ID)
	return nil
}

// Fetch reads the app→driver slot without clearing it.
func (s *Server) Fetch() (domain.Message, bool, error) {
	env, ok := s.out.Peek()
	if !ok {
		return domain.Message{}, false, nil
	}
	msg, err := env.Message()
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, true, nil
}

// Handler returns the HTTP surface of the bridge.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bridge/cli/input", s.handleSubmit)
	mux.HandleFunc("GET /bridge/cli/output", s.handleFetch)
	mux.HandleFunc("GET /bridge/app/input", s.handlePoll)
	mux.HandleFunc("POST /bridge/app/output", s.handlePublish)
	mux.HandleFunc("GET /bridge/health", s.handleHealth)
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "No content provided")
		return
	}

	if _, err := s.Submit(body.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"success": true, "status": "Message queued for Swarm"})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	msg, ok, err := s.Fetch()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, map[string]any{"message": nil})
		return
	}
	writeJSON(w, map[string]any{"message": msg})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	msg, ok, err := s.PollInput()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, map[string]any{"message": nil})
		return
	}
	writeJSON(w, map[string]any{"message": msg})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message *domain.Message `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == nil {
		writeError(w, http.StatusBadRequest, "No message provided")
		return
	}
	if err := s.Publish(*body.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) publishEvent(t domain.EventType, msgID string) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"id": msgID})
	s.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}
