package telephony

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/koscakluka/ema-calls/core/agent"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	"github.com/koscakluka/ema-calls/core/texttospeech"
)

// InboundCallConfig is the template every admitted call starts from.
type InboundCallConfig struct {
	Agent       agent.Config
	Transcriber speechtotext.Config
	Synthesizer texttospeech.Config
	Credentials Credentials
}

type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithServerEvents(publisher events.Publisher) ServerOption {
	return func(s *Server) {
		if publisher != nil {
			s.events = publisher
		}
	}
}

// Server answers provider webhooks and accepts their media websockets.
type Server struct {
	baseURL         string
	configs         ConfigManager
	inbound         InboundCallConfig
	newConversation ConversationFactory
	events          events.Publisher
	logger          *slog.Logger
	upgrader        websocket.Upgrader

	mu    sync.Mutex
	calls map[string]*Call
}

// NewServer creates a server reachable at baseURL, a host without scheme
// that providers are told to connect back to.
func NewServer(baseURL string, configs ConfigManager, inbound InboundCallConfig, newConversation ConversationFactory, opts ...ServerOption) *Server {
	s := &Server{
		baseURL:         baseURL,
		configs:         configs,
		inbound:         inbound,
		newConversation: newConversation,
		events:          events.Discard,
		logger:          logger,
		calls:           make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /twilio/inbound", s.handleTwilioInbound)
	mux.HandleFunc("POST /vonage/inbound", s.handleVonageInbound)
	mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /connect_call/{id}", s.handleConnectCall)
	return otelhttp.NewHandler(mux, "telephony")
}

// ActiveCalls returns how many calls are currently connected or connecting.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Shutdown terminates every call in progress.
func (s *Server) Shutdown() {
	s.mu.Lock()
	calls := make([]*Call, 0, len(s.calls))
	for _, call := range s.calls {
		calls = append(calls, call)
	}
	s.mu.Unlock()

	for _, call := range calls {
		call.Terminate()
	}
}

type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Connect struct {
		Stream struct {
			URL string `xml:"url,attr"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

func (s *Server) handleTwilioInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	conversationID, err := s.admit(r, ProviderTwilio, r.PostForm.Get("CallSid"), r.PostForm.Get("From"), r.PostForm.Get("To"))
	if err != nil {
		s.logger.Error("failed to admit twilio call", "error", err)
		http.Error(w, "failed to admit call", http.StatusInternalServerError)
		return
	}

	var response twiml
	response.Connect.Stream.URL = s.connectURL(conversationID)
	body, err := xml.Marshal(response)
	if err != nil {
		http.Error(w, "failed to render twiml", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

type vonageAnswerRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	UUID string `json:"uuid"`
}

func (s *Server) handleVonageInbound(w http.ResponseWriter, r *http.Request) {
	var answer vonageAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&answer); err != nil {
		http.Error(w, "invalid answer request", http.StatusBadRequest)
		return
	}

	conversationID, err := s.admit(r, ProviderVonage, answer.UUID, answer.From, answer.To)
	if err != nil {
		s.logger.Error("failed to admit vonage call", "error", err)
		http.Error(w, "failed to admit call", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(connectNCCO(s.baseURL, conversationID)); err != nil {
		s.logger.Warn("failed to write ncco", "error", err)
	}
}

// admit persists the configuration for a new call and returns its id.
func (s *Server) admit(r *http.Request, provider, providerCallID, from, to string) (string, error) {
	protocol, err := ProtocolFor(provider)
	if err != nil {
		return "", err
	}

	config := CallConfig{
		Provider:       provider,
		ProviderCallID: providerCallID,
		FromPhone:      from,
		ToPhone:        to,
		Transcriber:    s.inbound.Transcriber,
		Agent:          s.inbound.Agent,
		Synthesizer:    s.inbound.Synthesizer,
		Credentials:    s.inbound.Credentials,
	}
	// The media stream format is fixed by the provider.
	config.Transcriber.Encoding = protocol.Encoding()
	config.Synthesizer.Encoding = protocol.Encoding()

	conversationID := uuid.NewString()
	if err := s.configs.Save(r.Context(), conversationID, config); err != nil {
		return "", fmt.Errorf("failed to save call config: %w", err)
	}
	s.logger.Info("admitted inbound call", "conversation_id", conversationID, "provider", provider, "from", from, "to", to)
	return conversationID, nil
}

func (s *Server) handleConnectCall(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	config, err := s.configs.Get(r.Context(), conversationID)
	if errors.Is(err, ErrConfigNotFound) {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to load call config", "conversation_id", conversationID, "error", err)
		http.Error(w, "failed to load call", http.StatusInternalServerError)
		return
	}

	protocol, err := ProtocolFor(config.Provider)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade media websocket", "conversation_id", conversationID, "error", err)
		return
	}

	call := NewCall(conversationID, config, protocol, conn, s.configs, s.newConversation,
		WithCallLogger(s.logger), WithCallEvents(s.events))
	s.mu.Lock()
	s.calls[conversationID] = call
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.calls, conversationID)
		s.mu.Unlock()
	}()

	if err := call.Run(r.Context()); err != nil {
		s.logger.Warn("call ended with error", "conversation_id", conversationID, "error", err)
	}
}

func (s *Server) connectURL(conversationID string) string {
	return fmt.Sprintf("wss://%s/connect_call/%s", s.baseURL, conversationID)
}
