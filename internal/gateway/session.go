package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	gateerrors "github.com/conneroisu/livegate/internal/errors"
	"github.com/conneroisu/livegate/internal/logging"
	"github.com/conneroisu/livegate/internal/security"
	"github.com/conneroisu/livegate/internal/throttle"
)

// Session is one admitted WebSocket connection. Inbound frames are handled
// in arrival order by a single read goroutine.
type Session struct {
	g    *Gateway
	ws   *websocket.Conn
	conn *security.Connection

	send    chan outbound
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]func()

	closeOnce sync.Once
}

func newSession(g *Gateway, ws *websocket.Conn, conn *security.Connection) *Session {
	buffer := g.cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	limit := rate.Inf
	if g.cfg.SendRate > 0 {
		limit = rate.Limit(g.cfg.SendRate)
	}
	burst := g.cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(g.ctx)
	return &Session{
		g:       g,
		ws:      ws,
		conn:    conn,
		send:    make(chan outbound, buffer),
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]func()),
	}
}

// ID is the connection id assigned at admission.
func (s *Session) ID() string {
	return s.conn.ID
}

// Connection returns the admission record.
func (s *Session) Connection() *security.Connection {
	return s.conn
}

// Send queues an outbound event without blocking. A session that cannot
// keep up is closed and Send reports false.
func (s *Session) Send(event string, data interface{}) bool {
	return s.enqueue(outbound{Event: event, Data: data})
}

// Reply queues an event answering the inbound event with the given id.
func (s *Session) Reply(id, event string, data interface{}) bool {
	return s.enqueue(outbound{Event: event, Data: data, ID: id})
}

func (s *Session) enqueue(msg outbound) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.g.droppedSends.Inc()
		s.g.logger.Warn(s.ctx, nil, "Send buffer full, closing slow session", "connection_id", s.conn.ID)
		go s.close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

func (s *Session) sendError(id, category string) {
	s.Reply(id, EventError, errorData{Category: category, Ref: id})
}

// Subscribe attaches the session to a distributor key.
func (s *Session) Subscribe(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		return gateerrors.NewNetworkError(gateerrors.ErrCodeConnectionClosed, "session closed", nil)
	}
	if _, ok := s.subs[key]; ok {
		return nil
	}
	if max := s.g.cfg.MaxSubscriptions; max > 0 && len(s.subs) >= max {
		return gateerrors.NewValidationError(gateerrors.ErrCodeSubscriptionLimit, "subscription limit reached").
			WithContext("limit", max)
	}

	unsubscribe, err := s.g.dist.Subscribe(key, throttle.SubscriberFunc(func(ev throttle.Event) {
		s.Send(ev.Type, ev.Payload)
	}))
	if err != nil {
		return err
	}
	s.subs[key] = unsubscribe
	return nil
}

// Unsubscribe detaches the session from key.
func (s *Session) Unsubscribe(key string) {
	s.mu.Lock()
	unsubscribe, ok := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()

	if ok {
		unsubscribe()
	}
}

func (s *Session) subscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key]
	return ok
}

// Subscriptions returns the subscribed keys in order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for k := range s.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Session) readPump() {
	for {
		typ, data, err := s.ws.Read(s.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && s.ctx.Err() == nil {
				s.g.logger.Debug(s.ctx, "Session read ended", "connection_id", s.conn.ID, "error", err.Error())
			}
			return
		}
		s.g.framesIn.Inc()

		var env Envelope
		if typ != websocket.MessageText || json.Unmarshal(data, &env) != nil || env.Event == "" {
			s.g.malformed.Inc()
			s.sendError("", "malformed event")
			continue
		}

		d := s.g.sec.ValidateEvent(s.ctx, s.conn, env.Event, env.Data)
		if !d.Allowed {
			s.g.rejected.Inc()
			s.sendError(env.ID, d.Category())
			if s.g.sec.Reputation().IsBlocked(s.conn.RemoteAddress) {
				s.close(websocket.StatusPolicyViolation, "connection refused")
				return
			}
			continue
		}

		s.dispatch(Inbound{Name: env.Event, Data: d.Payload, ID: env.ID})
	}
}

type subscriptionRequest struct {
	Key string `json:"key"`
}

func (s *Session) dispatch(ev Inbound) {
	switch ev.Name {
	case EventSubscribe, EventUnsubscribe:
		var req subscriptionRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil || strings.TrimSpace(req.Key) == "" {
			s.sendError(ev.ID, "invalid subscription")
			return
		}
		if ev.Name == EventUnsubscribe {
			s.Unsubscribe(req.Key)
			s.Reply(ev.ID, EventUnsubscribed, req)
			return
		}
		if err := s.Subscribe(req.Key); err != nil {
			if gateerrors.HasErrorCode(err, gateerrors.ErrCodeSubscriptionLimit) {
				s.sendError(ev.ID, "subscription limit reached")
			} else {
				s.sendError(ev.ID, "internal error")
			}
			return
		}
		s.Reply(ev.ID, EventSubscribed, req)

	default:
		h := s.g.router.lookup(ev.Name)
		if h == nil {
			s.g.logger.Debug(s.ctx, "No handler for event", "event", logging.SanitizeForLog(ev.Name), "connection_id", s.conn.ID)
			return
		}
		if err := s.handle(h, ev); err != nil {
			// Validation failures are the client's to fix and name themselves.
			var ge *gateerrors.GateError
			if errors.As(err, &ge) && ge.Type == gateerrors.ErrorTypeValidation {
				s.sendError(ev.ID, ge.Message)
				return
			}
			s.g.logger.Warn(s.ctx, err, "Event handler failed", "event", logging.SanitizeForLog(ev.Name), "connection_id", s.conn.ID)
			s.sendError(ev.ID, "internal error")
		}
	}
}

func (s *Session) handle(h Handler, ev Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleEvent(s.ctx, s, ev)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	writeTimeout := s.g.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.send:
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := wsjson.Write(ctx, s.ws, msg)
			cancel()
			if err != nil {
				s.g.logger.Debug(s.ctx, "Session write failed", "connection_id", s.conn.ID, "error", err.Error())
				go s.close(websocket.StatusInternalError, "write failed")
				return
			}
			s.g.framesOut.Inc()

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.ws.Ping(ctx)
			cancel()
			if err != nil {
				go s.close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

// close ends the session once: subscriptions are dropped, the admission
// record is released, and the close handshake is attempted.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for _, unsubscribe := range subs {
			unsubscribe()
		}

		s.g.sessions.Delete(s.conn.ID)
		s.g.sec.Release(context.Background(), s.conn)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.ws.Close(code, reason)
		}()
		select {
		case <-done:
		case <-time.After(closeWait):
			_ = s.ws.CloseNow()
		}
		s.cancel()

		s.g.logger.Debug(context.Background(), "Session closed", "connection_id", s.conn.ID, "code", code.String())
	})
}
