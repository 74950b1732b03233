// Package monitor exposes a read-only admin surface over a signalling
// server: a JSON health/stats API and a websocket that fans out the
// server's Event stream. It is operational tooling, not part of the peer
// protocol (spec.md §4.7 only defines the TCP/UDP peer-facing surface).
//
// Grounded on the teacher's server/internal/httpapi (Echo bootstrap,
// /health and /api/state routes) and server/internal/ws (gorilla/websocket
// upgrade + per-connection send goroutine), adapted from chat-room
// broadcast to one-way event fan-out.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/signalserver"
)

const writeTimeout = 5 * time.Second

// Monitor is the Echo application backing the admin surface.
type Monitor struct {
	srv    *signalserver.Server
	logger *log.Logger
	echo   *echo.Echo

	upgrader websocket.Upgrader

	subsMu sync.Mutex
	subs   map[chan []byte]struct{}
}

// New constructs a Monitor over srv. Call ListenAndServe to run it.
func New(srv *signalserver.Server, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	m := &Monitor{
		srv:    srv,
		logger: logger,
		echo:   e,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		subs: make(map[chan []byte]struct{}),
	}
	m.registerRoutes()
	go m.pump()
	return m
}

func (m *Monitor) registerRoutes() {
	m.echo.GET("/healthz", m.handleHealthz)
	m.echo.GET("/stats", m.handleStats)
	m.echo.GET("/ws", m.handleWebSocket)
}

// ListenAndServe starts the admin HTTP server and blocks until it stops.
func (m *Monitor) ListenAndServe(addr string) error {
	err := m.echo.Start(addr)
	if err != nil && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the admin HTTP server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	return m.echo.Shutdown(ctx)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (m *Monitor) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type statsResponse struct {
	InstanceID string `json:"instance_id"`
	Clients    int    `json:"clients"`
	Groups     int    `json:"groups"`
	Users      int    `json:"users"`
}

func (m *Monitor) handleStats(c echo.Context) error {
	st := m.srv.Stats()
	return c.JSON(http.StatusOK, statsResponse{InstanceID: st.InstanceID, Clients: st.Clients, Groups: st.Groups, Users: st.Users})
}

// eventPayload is the wire shape of one server Event, broadcast to every
// connected admin websocket.
type eventPayload struct {
	Type    string `json:"type"`
	ID      int32  `json:"id,omitempty"`
	ErrKind string `json:"err_kind,omitempty"`
	Err     string `json:"err,omitempty"`
}

// pump drains the server's event queue for the lifetime of the Monitor and
// fans each event out to every subscribed websocket.
func (m *Monitor) pump() {
	for ev := range m.srv.Events().C() {
		payload := eventPayload{Type: ev.Type.String(), ID: int32(ev.Id)}
		if ev.Type == aoo.EventError {
			payload.ErrKind = ev.ErrKind.String()
			if ev.Err != nil {
				payload.Err = ev.Err.Error()
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		m.broadcast(data)
	}
}

func (m *Monitor) broadcast(data []byte) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- data:
		default:
			// Slow subscriber: drop rather than block the event pump.
		}
	}
}

func (m *Monitor) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *Monitor) unsubscribe(ch chan []byte) {
	m.subsMu.Lock()
	delete(m.subs, ch)
	m.subsMu.Unlock()
	close(ch)
}

// handleWebSocket upgrades one request and streams events to it until the
// client disconnects.
func (m *Monitor) handleWebSocket(c echo.Context) error {
	conn, err := m.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		m.logger.Debug("monitor ws upgrade failed", "err", err)
		return err
	}
	defer conn.Close()

	ch := m.subscribe()
	defer m.unsubscribe(ch)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for data := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return nil
		}
	}
	return nil
}
