// Package app assembles the relay daemon from its components and exposes
// the local HTTP surface.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/HsiangNianian/tabrelay/internal/clock"
	"github.com/HsiangNianian/tabrelay/internal/config"
	"github.com/HsiangNianian/tabrelay/internal/dispatch"
	"github.com/HsiangNianian/tabrelay/internal/events"
	"github.com/HsiangNianian/tabrelay/internal/pending"
	"github.com/HsiangNianian/tabrelay/internal/protocol"
	"github.com/HsiangNianian/tabrelay/internal/session"
	"github.com/HsiangNianian/tabrelay/internal/store"
	"github.com/HsiangNianian/tabrelay/internal/ws"
)

const targetClosedMsg = "target closed"

// Deps are the collaborators supplied by the caller. Nil fields get
// defaults, except Browser which is required. Bus must be the bus the
// Browser publishes to; the Relay closes it.
type Deps struct {
	Logger  *slog.Logger
	Store   store.Store
	Browser session.Browser
	Bus     *events.Bus
	Clock   clock.Clock
}

// Relay owns every long-lived component of the daemon.
type Relay struct {
	cfg    config.Config
	logger *slog.Logger

	Bus        *events.Bus
	Controller *session.Controller
	Dispatcher *dispatch.Dispatcher
	Tracker    *pending.Tracker
	Manager    *ws.Manager
	Hub        *ws.RelayHub
}

func New(cfg config.Config, deps Deps) (*Relay, error) {
	if deps.Browser == nil {
		return nil, errors.New("browser is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(events.WithLogger(deps.Logger))
	}

	r := &Relay{cfg: cfg, logger: deps.Logger}
	r.Bus = deps.Bus
	r.Controller = session.New(deps.Browser, r.Bus,
		session.WithLogger(deps.Logger),
		session.WithProtocolVersion(cfg.Browser.ProtocolVersion),
		session.WithActionTimeout(cfg.Browser.ActionTimeout()),
		session.WithStore(deps.Store),
		session.WithTargetClosedHandler(r.onTargetClosed),
	)
	r.Dispatcher = dispatch.New(r.Controller, deps.Logger)

	r.Tracker = pending.New(deps.Clock, r.Controller,
		pending.WithTimeout(cfg.Server.SelectionTimeout()),
		pending.WithLogger(deps.Logger),
	)
	r.Tracker.Listen(r.Bus)

	r.Manager = ws.NewManager(r.Dispatcher, r.Controller,
		ws.WithManagerLogger(deps.Logger),
		ws.WithClock(deps.Clock),
		ws.WithStore(deps.Store),
		ws.WithConnectTimeout(cfg.Relay.ConnectTimeout()),
		ws.WithKeepaliveInterval(cfg.Relay.KeepaliveInterval()),
		ws.WithMaxBackoff(cfg.Relay.MaxBackoff()),
	)
	r.Manager.Observe(func(st ws.Status) {
		r.logger.Info("connection state changed", "state", st.State, "endpoint", st.Endpoint, "attempt", st.Attempt)
	})
	r.Hub = ws.NewRelayHub(r.Dispatcher, r.Tracker, r.Controller, cfg.Server.AuthToken, deps.Logger)
	return r, nil
}

// Start restores the last bound target and connects with the stored or
// configured credentials. Connection failures fall back to the reconnect
// policy.
func (r *Relay) Start(ctx context.Context) {
	r.Controller.Restore(ctx)
	r.Manager.AutoConnect(ctx, r.cfg.Relay.Endpoint, r.cfg.Relay.Identity)
}

// Close stops every component. Credentials stay stored.
func (r *Relay) Close(ctx context.Context) {
	r.Hub.Close()
	r.Manager.Shutdown(ctx)
	r.Tracker.Stop()
	r.Controller.Close()
	r.Bus.Close()
}

// onTargetClosed tells every client that the bound target went away.
func (r *Relay) onTargetClosed(targetID string) {
	frame := protocol.Fail("", targetClosedMsg)
	if err := r.Manager.Push(frame); err != nil {
		r.logger.Debug("push target closed failed", "target_id", targetID, "error", err)
	}
	r.Hub.Broadcast(frame)
}

// StatusReport is served on GET /status.
type StatusReport struct {
	Connection        ws.Status `json:"connection"`
	ActiveTargetID    string    `json:"activeTargetId,omitempty"`
	AttachedTargetID  string    `json:"attachedTargetId,omitempty"`
	RelayClients      int       `json:"relayClients"`
	PendingSelections int       `json:"pendingSelections"`
}

func (r *Relay) Status() StatusReport {
	return StatusReport{
		Connection:        r.Manager.Status(),
		ActiveTargetID:    r.Controller.ActiveTarget(),
		AttachedTargetID:  r.Controller.AttachedTarget(),
		RelayClients:      r.Hub.ClientCount(),
		PendingSelections: r.Tracker.Len(),
	}
}

type connectRequest struct {
	Endpoint string `json:"endpoint"`
	Identity string `json:"identity"`
}

// Router returns the local HTTP handler.
func (r *Relay) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.Status())
	})
	router.Group(func(control chi.Router) {
		control.Use(sameMachine)
		control.Use(chimw.AllowContentType("application/json"))
		control.Post("/connect", r.handleConnect)
		control.Post("/disconnect", func(w http.ResponseWriter, req *http.Request) {
			r.Manager.Disconnect(req.Context())
			writeJSON(w, http.StatusOK, r.Status())
		})
	})
	if r.cfg.Server.Enabled {
		router.HandleFunc(r.cfg.Server.RelayPath, r.Hub.HandleRelay)
	}
	return router
}

// sameMachine refuses requests sent by pages of other origins.
func sameMachine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !ws.AllowedOrigin(req) {
			writeError(w, http.StatusForbidden, "cross-origin request refused")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Relay) handleConnect(w http.ResponseWriter, req *http.Request) {
	var body connectRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Endpoint == "" || body.Identity == "" {
		writeError(w, http.StatusBadRequest, "endpoint and identity are required")
		return
	}
	if err := r.Manager.Connect(req.Context(), body.Endpoint, body.Identity); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
