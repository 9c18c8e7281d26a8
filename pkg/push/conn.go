package push

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/security"
	"github.com/coralhq/coral/pkg/types"
)

// authTimeout is the default limit on how long a socket may stay open
// before authenticating.
const authTimeout = 5 * time.Second

// writeBuffer bounds the per-socket outbound queue.
const writeBuffer = 64

// conn is one WebSocket session walking the
// opened -> authenticated -> subscribed -> closed state machine.
type conn struct {
	ws  *websocket.Conn
	svc *Service

	writeCh   chan any
	closeOnce sync.Once

	mu            sync.Mutex
	authenticated bool
	principal     types.Principal
}

func newConn(ws *websocket.Conn, svc *Service) *conn {
	return &conn{ws: ws, svc: svc, writeCh: make(chan any, writeBuffer)}
}

// send queues a message for the writer goroutine. A full queue drops the
// socket rather than blocking the hub.
func (c *conn) send(msg any) {
	select {
	case c.writeCh <- msg:
	default:
		log.WithComponent("push").Warn().Msg("closing slow push client")
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.writeCh)
	})
}

// run services the socket until it closes. It owns the read side; all
// writes go through the writer goroutine so frames never interleave.
func (c *conn) run() {
	metrics.PushConnections.Inc()
	defer metrics.PushConnections.Dec()

	writerDone := make(chan struct{})
	go c.writer(writerDone)
	// The writer owns socket teardown: once the outbound queue closes it
	// flushes pending frames and says goodbye, then the socket drops. That
	// unblocks the read loop even for clients that never send a frame.
	go func() {
		<-writerDone
		_ = c.ws.Close()
	}()

	timer := time.AfterFunc(c.svc.cfg.AuthTimeout, func() {
		c.mu.Lock()
		pending := !c.authenticated
		c.mu.Unlock()
		if pending {
			c.send(&ServerFrame{ReplyTo: 0, Error: &FrameError{
				Code: types.CodeInvalidInput,
				Msg:  "authentication timed out",
			}})
			c.close()
		}
	})
	defer timer.Stop()

	c.readLoop()

	c.svc.hub.removeConn(c)
	c.close()
	<-writerDone
}

func (c *conn) writer(done chan struct{}) {
	defer close(done)
	for msg := range c.writeCh {
		if err := c.ws.WriteJSON(msg); err != nil {
			return
		}
		metrics.PushMessages.Inc()
	}
	// Queue closed: say goodbye before the socket drops.
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.send(&ServerFrame{Error: &FrameError{
				Code: types.CodeInvalidInput,
				Msg:  "malformed frame",
			}})
			c.close()
			return
		}
		if closed := c.handleFrame(&frame); closed {
			return
		}
	}
}

// handleFrame processes one client frame and reports whether the session
// should end.
func (c *conn) handleFrame(frame *ClientFrame) bool {
	c.mu.Lock()
	authenticated := c.authenticated
	c.mu.Unlock()

	if !authenticated {
		// The first frame must authenticate the session.
		if frame.Type != frameAuthentication {
			c.reject(frame.ID, types.CodeInvalidInput, "authentication required")
			c.close()
			return true
		}
		if !c.authenticate(frame) {
			c.close()
			return true
		}
		return false
	}

	switch frame.Type {
	case frameSubscribe:
		c.handleSubscribe(frame)
	case frameAuthentication:
		c.reject(frame.ID, types.CodeInvalidInput, "session already authenticated")
	default:
		c.reject(frame.ID, types.CodeInvalidInput, "unknown frame type "+frame.Type)
	}
	return false
}

func (c *conn) authenticate(frame *ClientFrame) bool {
	var data AuthenticationData
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.UserID == "" {
		c.reject(frame.ID, types.CodeInvalidInput, "malformed authentication frame")
		return false
	}
	t, err := c.svc.cfg.Tenants.GetTenant(context.Background(), data.TenantAlias)
	if err != nil {
		c.reject(frame.ID, types.CodeUnauthorized, "unknown tenant")
		return false
	}
	if !security.VerifyExpiringSignature(t.SigningKey, data.UserID, data.Signature, c.svc.cfg.Clock.Now()) {
		c.reject(frame.ID, types.CodeUnauthorized, "invalid signature")
		return false
	}

	c.mu.Lock()
	c.authenticated = true
	c.principal = types.Principal{ID: data.UserID, TenantAlias: data.TenantAlias}
	c.mu.Unlock()
	c.send(&ServerFrame{ReplyTo: frame.ID})
	return true
}

func (c *conn) handleSubscribe(frame *ClientFrame) {
	var data SubscribeData
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.Stream.ResourceID == "" {
		c.reject(frame.ID, types.CodeInvalidInput, "malformed subscribe frame")
		return
	}
	opts, ok := c.svc.cfg.Registry.StreamType(data.Stream.StreamType)
	if !ok {
		c.reject(frame.ID, types.CodeInvalidInput, "unknown stream type "+data.Stream.StreamType)
		return
	}

	c.mu.Lock()
	principal := c.principal
	c.mu.Unlock()

	// Visibility variants follow the read-side tier rule; the base stream
	// asks its authorization handler.
	base := types.BaseStreamType(data.Stream.StreamType)
	switch suffix := strings.TrimPrefix(data.Stream.StreamType, base); suffix {
	case "":
		if opts.Authorizer != nil {
			if err := opts.Authorizer(context.Background(), principal, data.Stream.ResourceID, data.Token); err != nil {
				c.reject(frame.ID, types.CodeOf(err), "not authorized for stream")
				return
			}
		}
	case "#" + string(types.VisibilityPublic):
		if !opts.VisibilityBucketing {
			c.reject(frame.ID, types.CodeInvalidInput, "stream type carries no visibility variants")
			return
		}
	case "#" + string(types.VisibilityLoggedIn):
		if !opts.VisibilityBucketing {
			c.reject(frame.ID, types.CodeInvalidInput, "stream type carries no visibility variants")
			return
		}
		if principal.Anonymous() {
			c.reject(frame.ID, types.CodeUnauthorized, "stream requires an authenticated session")
			return
		}
	default:
		c.reject(frame.ID, types.CodeInvalidInput, "unknown stream type "+data.Stream.StreamType)
		return
	}

	channel := types.FeedID(data.Stream.ResourceID, data.Stream.StreamType)
	if err := c.svc.hub.subscribe(context.Background(), c, channel, data.Format); err != nil {
		c.reject(frame.ID, types.CodeStorage, "subscription failed")
		return
	}
	c.send(&ServerFrame{ReplyTo: frame.ID})
}

func (c *conn) reject(replyTo int64, code int, msg string) {
	c.send(&ServerFrame{ReplyTo: replyTo, Error: &FrameError{Code: code, Msg: msg}})
}
