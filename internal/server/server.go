// Package server is the broker's HTTP ingress: health and readiness,
// component registration, message acceptance, synchronous forwarding, the
// user-input round trip, and the socket upgrade at the root path.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/client"
	"github.com/stage7/postoffice/internal/health"
	"github.com/stage7/postoffice/internal/httpclient"
	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/internal/registry"
	"github.com/stage7/postoffice/internal/router"
	"github.com/stage7/postoffice/pkg/errors"
	"github.com/stage7/postoffice/pkg/json"
)

const shutdownGrace = 10 * time.Second

// Server owns the ingress mux and the listener lifecycle.
type Server struct {
	ownID     string
	readiness *health.Readiness
	registry  *registry.Registry
	resolver  *registry.Resolver
	clients   *client.Registry
	router    *router.Router
	poster    *httpclient.Client
	userInput *userInputRegistry
	log       *zap.Logger

	httpServer *http.Server
}

func New(
	ownID, addr string,
	readiness *health.Readiness,
	reg *registry.Registry,
	resolver *registry.Resolver,
	clients *client.Registry,
	rt *router.Router,
	poster *httpclient.Client,
	log *zap.Logger,
) *Server {
	s := &Server{
		ownID:     ownID,
		readiness: readiness,
		registry:  reg,
		resolver:  resolver,
		clients:   clients,
		router:    rt,
		poster:    poster,
		userInput: newUserInputRegistry(),
		log:       log,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the ingress mux. Exposed for handler tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthy", s.handleHealthy)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/registerComponent", s.handleRegisterComponent)
	mux.HandleFunc("/deregisterComponent", s.handleDeregisterComponent)
	mux.HandleFunc("/requestComponent", s.handleRequestComponent)
	mux.HandleFunc("/getServices", s.handleGetServices)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/sendMessage", s.handleSendMessage)
	mux.HandleFunc("/submitUserInput", s.handleSubmitUserInput)
	mux.HandleFunc("/sendUserInputRequest", s.handleSendUserInputRequest)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until the context ends, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http ingress listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("failed to write response body", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleRoot serves the socket upgrade and, for plain requests, a liveness
// line.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.clients.HandleUpgrade(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.ownID + " is running\n"))
}

func (s *Server) handleHealthy(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.readiness.AcceptingTraffic() {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"ready":    s.readiness.Ready(),
		"degraded": s.readiness.Degraded(),
	}
	if r.URL.Query().Get("detail") == "full" {
		body["state"] = s.readiness.Snapshot()
		body["components"] = s.registry.CountsByType()
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/ready?detail=full", http.StatusTemporaryRedirect)
}

func (s *Server) handleRegisterComponent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var c registry.Component
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.resolver.Register(r.Context(), c); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("component registered",
		zap.String("id", c.ID),
		zap.String("type", c.Type),
		zap.String("url", c.URL))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleDeregisterComponent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.registry.Deregister(body.ID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Info("component deregistered", zap.String("id", body.ID))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleRequestComponent(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	typ := r.URL.Query().Get("type")
	switch {
	case id != "":
		c, ok := s.registry.Get(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, "component not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"component": c})
	case typ != "":
		s.writeJSON(w, http.StatusOK, map[string]any{"components": s.registry.OfType(typ)})
	default:
		s.writeError(w, http.StatusBadRequest, "id or type is required")
	}
}

func (s *Server) handleGetServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.resolver.Services(r.Context()))
}

// handleMessage accepts any message for routing. A synchronous message holds
// the request open until the reply arrives, surfacing the RPC timeout as a
// gateway timeout.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var m message.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reply, err := s.router.Route(r.Context(), &m)
	switch {
	case err == nil && reply != nil:
		s.writeJSON(w, http.StatusOK, reply)
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "id": m.ID})
	case errors.Is(err, errors.ErrBrokerTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, errors.ErrNoRoute):
		// An unroutable but well-formed message is accepted and dropped;
		// 4xx is reserved for requests the broker cannot parse.
		s.log.Warn("accepted message with no route",
			zap.String("id", m.ID),
			zap.String("type", m.Type),
			zap.String("recipient", m.Recipient))
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "id": m.ID})
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleSendMessage bypasses the broker: resolve the recipient and POST the
// message straight to the service, propagating its answer verbatim.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var m message.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if m.Recipient == "" {
		s.writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}
	url := s.resolver.Resolve(r.Context(), m.Recipient)
	if url == "" {
		s.writeError(w, http.StatusNotFound, "recipient not resolvable: "+m.Recipient)
		return
	}
	m.EnsureID()
	m.Stamp()
	payload, err := m.Encode()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := s.poster.PostMessageSync(r.Context(), url, payload)
	if resp == nil {
		status := http.StatusBadGateway
		msg := "downstream unreachable"
		if err != nil {
			msg = err.Error()
		}
		s.writeError(w, status, msg)
		return
	}
	// The downstream status and body pass through untouched, 4xx included.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// handleSendUserInputRequest opens a waiter and pushes the question to the
// client(s).
func (s *Server) handleSendUserInputRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body userInputRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Sender == "" {
		s.writeError(w, http.StatusBadRequest, "sender is required")
		return
	}
	requestID := uuid.NewString()
	s.userInput.add(userInputWaiter{
		RequestID: requestID,
		Sender:    body.Sender,
		MissionID: body.MissionID,
	})

	content, err := json.Marshal(map[string]any{
		"request_id": requestID,
		"question":   body.Question,
		"answerType": body.AnswerType,
		"missionId":  body.MissionID,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m := &message.Message{
		Type:      message.TypeUserInputRequest,
		Sender:    s.ownID,
		Recipient: message.RecipientUser,
		ClientID:  body.ClientID,
		MissionID: body.MissionID,
		Content:   content,
	}
	m.EnsureID()
	m.Stamp()
	if body.ClientID != "" {
		s.clients.SendToClient(body.ClientID, m)
	} else {
		s.clients.BroadcastToClients(m)
	}
	s.log.Info("user input requested",
		zap.String("request_id", requestID),
		zap.String("sender", body.Sender))
	s.writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID})
}

// handleSubmitUserInput completes a waiter and routes the answer back to the
// service that asked.
func (s *Server) handleSubmitUserInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body userInputSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
		s.writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	waiter, ok := s.userInput.take(body.RequestID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown or already answered request_id")
		return
	}
	content, err := json.Marshal(map[string]any{
		"request_id": body.RequestID,
		"response":   body.Response,
		"clientId":   body.ClientID,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m := &message.Message{
		Type:      message.TypeUserInputResponse,
		Sender:    s.ownID,
		Recipient: waiter.Sender,
		MissionID: waiter.MissionID,
		Content:   content,
	}
	if _, err := s.router.Route(r.Context(), m); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
