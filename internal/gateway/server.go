// Package gateway is the hub front door: it accepts connection upgrade
// requests, performs the authentication handshake, and hands accepted
// connections to the routing core. Handshake failures are surfaced as
// close codes before any application data is exchanged. It also exposes
// the HTTP broadcast entry point for upstream business logic and the
// read-only operational query surface.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/hub"
	"github.com/relaypoint/relaypoint/internal/identity"
	"github.com/relaypoint/relaypoint/internal/logger"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/wire"
)

// Server serves the websocket endpoint and the operational HTTP surface
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	met      *metrics.HubMetrics
	verifier identity.Verifier
	router   *hub.Router
	gatherer prometheus.Gatherer

	upgrader   websocket.Upgrader
	httpServer *http.Server
	stopOnce   sync.Once
}

// NewServer creates the front door server
func NewServer(cfg *config.Config, verifier identity.Verifier, router *hub.Router, met *metrics.HubMetrics, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:      cfg,
		log:      logger.Global().WithPrefix("gateway"),
		met:      met,
		verifier: verifier,
		router:   router,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Bearer credentials authenticate the handshake; origin is
				// not part of the trust model
				return true
			},
		},
	}
}

// Handler builds the HTTP routing table
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.HandlerFunc(http.MethodGet, "/v1/updates", s.handleUpdates)
	router.POST("/v1/accounts/:accountId/broadcast", s.handleBroadcast)
	router.HandlerFunc(http.MethodGet, "/v1/stats", s.handleStats)
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	if s.gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return router
}

// Start starts serving in the background
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		s.log.Info("Hub front door listening on %s", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down, evicting all live connections
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("Stopping hub front door...")

		s.router.Shutdown()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}

// handleUpdates performs the connection upgrade and authentication
// handshake. The upgrade happens first so every rejection can be
// delivered as a close code on the established socket.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	params := parseHandshake(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade connection: %v", err)
		return
	}

	// Verification may block on the external verifier; it runs here, never
	// on a coordinator's serialized queue
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Auth.VerifyTimeout())
	defer cancel()

	ident, err := s.verifier.Verify(ctx, params.token)
	if err != nil {
		s.reject(ws, rejection{hub.CloseAuthFailed, "credential invalid or unresolvable"})
		return
	}

	scope, hubIdent, rej := resolveScope(params, ident.AccountID)
	if rej != nil {
		s.reject(ws, *rej)
		return
	}

	conn := hub.NewConn(scope, hubIdent, s.cfg.Hub.OutboundQueueSize)
	if err := s.router.Register(conn); err != nil {
		switch err {
		case hub.ErrConnectionLimit:
			s.reject(ws, rejection{hub.CloseConnectionLimit, "account connection limit reached"})
		default:
			s.reject(ws, rejection{websocket.CloseTryAgainLater, "hub busy"})
		}
		return
	}

	s.log.Info("Connection %s opened account=%s scope=%s", conn.ID(), hubIdent.AccountID, scope)
	newClient(ws, conn, s.router, s.log, s.met).start()
}

// reject closes the socket with a handshake failure code. No registry
// entry exists on any path that reaches here.
func (s *Server) reject(ws *websocket.Conn, rej rejection) {
	s.met.HandshakeRejectedCounter.WithLabelValues(strconv.Itoa(rej.code)).Inc()
	s.log.Warn("Handshake rejected: %d %s", rej.code, rej.reason)

	msg := websocket.FormatCloseMessage(rej.code, rej.reason)
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
}

// broadcastRequest is the body of the upstream broadcast entry point
type broadcastRequest struct {
	Target struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	} `json:"target"`
	Message struct {
		Kind          string          `json:"kind"`
		Payload       json.RawMessage `json:"payload"`
		CorrelationID string          `json:"correlationId,omitempty"`
	} `json:"message"`
}

// handleBroadcast lets upstream business logic publish an update into one
// account's group. Events spanning accounts are published once per
// account by the caller.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.adminAuthorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountID := ps.ByName("accountId")
	if accountID == "" {
		http.Error(w, "accountId is required", http.StatusBadRequest)
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Message.Kind == "" {
		http.Error(w, "message.kind is required", http.StatusBadRequest)
		return
	}

	var target hub.BroadcastTarget
	switch hub.FilterKind(req.Target.Kind) {
	case hub.FilterAccount, "":
		target = hub.BroadcastTarget{Kind: hub.FilterAccount, Value: accountID}
	case hub.FilterSession, hub.FilterMachine:
		if req.Target.Value == "" {
			http.Error(w, "target.value is required for session and machine filters", http.StatusBadRequest)
			return
		}
		target = hub.BroadcastTarget{Kind: hub.FilterKind(req.Target.Kind), Value: req.Target.Value}
	default:
		http.Error(w, fmt.Sprintf("unknown target kind: %s", req.Target.Kind), http.StatusBadRequest)
		return
	}

	update := wire.Update{
		Kind:          req.Message.Kind,
		Payload:       req.Message.Payload,
		ProducedAt:    time.Now(),
		CorrelationID: req.Message.CorrelationID,
	}

	delivered := s.router.Publish(accountID, target, update)
	writeJSON(w, map[string]int{"delivered": delivered})
}

// handleStats serves the read-only monitoring snapshot of per-account
// connection counts and queue depths
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	snaps := s.router.Snapshot()
	writeJSON(w, map[string]interface{}{
		"accounts": len(snaps),
		"groups":   snaps,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.cfg.Auth.AdminToken == "" {
		// Admin endpoints stay closed until a token is configured
		return false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	return token == s.cfg.Auth.AdminToken
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}
