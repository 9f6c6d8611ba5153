// Package gateway is the WebSocket transport of the event channel. Every
// handshake passes the admission gate before the protocol upgrade, and
// every inbound frame passes the event gate before it reaches a Handler.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/conneroisu/livegate/internal/config"
	gateerrors "github.com/conneroisu/livegate/internal/errors"
	"github.com/conneroisu/livegate/internal/logging"
	"github.com/conneroisu/livegate/internal/security"
	"github.com/conneroisu/livegate/internal/throttle"
)

const (
	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Time allowed for the close handshake of every session on shutdown.
	closeWait = 5 * time.Second
)

// Options carries the collaborators of a Gateway.
type Options struct {
	Server      config.ServerConfig
	Security    *security.SecurityManager
	Distributor *throttle.Distributor
	Router      *Router
	Logger      logging.Logger
}

// Stats are cumulative transport counters.
type Stats struct {
	Sessions     int   `json:"sessions"`
	FramesIn     int64 `json:"frames_in"`
	FramesOut    int64 `json:"frames_out"`
	Rejected     int64 `json:"rejected"`
	Malformed    int64 `json:"malformed"`
	DroppedSends int64 `json:"dropped_sends"`
}

// Gateway accepts WebSocket sessions and owns their lifecycle.
type Gateway struct {
	cfg    config.ServerConfig
	sec    *security.SecurityManager
	dist   *throttle.Distributor
	router *Router
	logger logging.Logger

	sessions *xsync.Map[string, *Session]

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
	active   sync.WaitGroup

	framesIn     *xsync.Counter
	framesOut    *xsync.Counter
	rejected     *xsync.Counter
	malformed    *xsync.Counter
	droppedSends *xsync.Counter
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Security == nil {
		return nil, errors.New("gateway: security manager is required")
	}
	if opts.Distributor == nil {
		return nil, errors.New("gateway: distributor is required")
	}
	if opts.Router == nil {
		opts.Router = NewRouter()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:          opts.Server,
		sec:          opts.Security,
		dist:         opts.Distributor,
		router:       opts.Router,
		logger:       logging.OrNop(opts.Logger).WithComponent("gateway"),
		sessions:     xsync.NewMap[string, *Session](),
		ctx:          ctx,
		cancel:       cancel,
		framesIn:     xsync.NewCounter(),
		framesOut:    xsync.NewCounter(),
		rejected:     xsync.NewCounter(),
		malformed:    xsync.NewCounter(),
		droppedSends: xsync.NewCounter(),
	}, nil
}

// Handler returns the HTTP handler for the WebSocket endpoint, admission
// middleware included.
func (g *Gateway) Handler() http.Handler {
	admit := AdmissionMiddleware(g.sec, g.cfg.TrustedProxies, g.logger)
	return admit(http.HandlerFunc(g.serveWebSocket))
}

func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, ok := ConnectionFromContext(r.Context())
	if !ok {
		http.Error(w, "connection refused", http.StatusForbidden)
		return
	}

	if g.shutdown.Load() {
		g.sec.Release(r.Context(), conn)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	// Origins were checked by the admission gate.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		g.sec.Release(r.Context(), conn)
		g.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "address", conn.RemoteAddress)
		return
	}
	if g.cfg.MaxFrameBytes > 0 {
		ws.SetReadLimit(g.cfg.MaxFrameBytes)
	}

	g.active.Add(1)
	defer g.active.Done()

	s := newSession(g, ws, conn)
	g.sessions.Store(conn.ID, s)
	g.logger.Debug(s.ctx, "Session opened", "connection_id", conn.ID, "address", conn.RemoteAddress,
		"anonymous", conn.Anonymous())

	go s.writePump()
	s.readPump()
	s.close(websocket.StatusNormalClosure, "")
}

// Session returns the open session with the given connection id.
func (g *Gateway) Session(id string) (*Session, bool) {
	return g.sessions.Load(id)
}

// Send queues an event for one session.
func (g *Gateway) Send(id, event string, data interface{}) error {
	s, ok := g.sessions.Load(id)
	if !ok {
		return gateerrors.NewNetworkError(gateerrors.ErrCodeConnectionClosed, "session not found", nil).
			WithComponent("gateway").WithContext("connection_id", id)
	}
	if !s.Send(event, data) {
		return gateerrors.WebSocketError("send", id, "send buffer full", nil)
	}
	return nil
}

// Close closes one session. It reports whether the session was open.
func (g *Gateway) Close(id, reason string) bool {
	s, ok := g.sessions.Load(id)
	if !ok {
		return false
	}
	s.close(websocket.StatusPolicyViolation, reason)
	return true
}

// Stats returns the transport counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Sessions:     g.sessions.Size(),
		FramesIn:     g.framesIn.Value(),
		FramesOut:    g.framesOut.Value(),
		Rejected:     g.rejected.Value(),
		Malformed:    g.malformed.Value(),
		DroppedSends: g.droppedSends.Value(),
	}
}

// Shutdown refuses new sessions, closes open ones, and waits for their
// handlers to return or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	var wg sync.WaitGroup
	g.sessions.Range(func(_ string, s *Session) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.close(websocket.StatusGoingAway, "server shutting down")
		}()
		return true
	})
	wg.Wait()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info(ctx, "Gateway shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
