// Package transport delivers chat traffic for one session with the lowest
// latency available: a streaming channel when the service accepts the dial,
// discrete call-and-response otherwise. Callers see a single send/onMessage
// surface in either mode.
package transport

import (
	"context"
	"sync"
	"time"

	"insightforge-client/api"
	apperrors "insightforge-client/errors"

	"go.uber.org/zap"
)

// Mode is the channel's current delivery mode.
type Mode int

const (
	ModeDisconnected Mode = iota
	ModeStreaming
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "streaming"
	case ModePolling:
		return "polling"
	default:
		return "disconnected"
	}
}

// Event is one inbound delivery to the channel's consumer. Failed events
// stand in for a reply that will never arrive.
type Event struct {
	Content   string
	Timestamp time.Time
	Failed    bool
	Err       error
}

// StreamConn is the open streaming channel surface the transport drives.
// Satisfied by *api.ChatChannel.
type StreamConn interface {
	Send(text string, contextTag string) error
	Read() (api.ChannelEvent, error)
	Close() error
}

// Dialer opens the streaming channel for a session.
type Dialer interface {
	OpenChatChannel(ctx context.Context, sessionID string) (StreamConn, error)
}

// Caller performs the discrete call-and-response exchange. Satisfied by
// *api.Client.
type Caller interface {
	SendChatMessage(ctx context.Context, text string, sessionID string, contextTag string) (api.ChatReply, error)
}

type pendingWait struct {
	timer *time.Timer
}

// Channel is the realtime chat channel for one session. Exactly one
// non-disconnected Channel exists per session; the lifecycle manager tears it
// down before opening another.
type Channel struct {
	sessionID string
	dialer    Dialer
	caller    Caller
	replyWait time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	mode    Mode
	gen     int
	conn    StreamConn
	pending []*pendingWait
	handler func(Event)
}

func New(dialer Dialer, caller Caller, sessionID string, replyWait time.Duration, logger *zap.Logger) *Channel {
	return &Channel{
		sessionID: sessionID,
		dialer:    dialer,
		caller:    caller,
		replyWait: replyWait,
		logger:    logger,
	}
}

// OnMessage registers the single consumer of inbound events. It must be set
// before Open.
func (c *Channel) OnMessage(handler func(Event)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Open makes the one streaming dial attempt for this session. On failure the
// channel settles into polling for the rest of its life; once degraded it
// never flaps back.
func (c *Channel) Open(ctx context.Context) {
	c.mu.Lock()
	if c.mode != ModeDisconnected {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dialer.OpenChatChannel(ctx, c.sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		// Torn down while dialing.
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("Streaming channel unavailable, using polling",
			zap.Error(err),
			zap.String("session_id", c.sessionID))
		c.mode = ModePolling
		return
	}
	c.mode = ModeStreaming
	c.conn = conn
	go c.readPump(gen, conn)
}

// Mode returns the channel's current delivery mode.
func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Send submits one outbound message. Fire-and-forget: the reply, or a failed
// event standing in for it, arrives through the OnMessage consumer in every
// mode.
func (c *Channel) Send(text string, contextTag string) {
	c.mu.Lock()
	gen := c.gen
	mode := c.mode
	conn := c.conn

	switch mode {
	case ModeDisconnected:
		c.mu.Unlock()
		c.logger.Warn("Send on disconnected channel", zap.String("session_id", c.sessionID))
		go c.deliver(gen, Event{
			Failed:    true,
			Err:       apperrors.WrapError(apperrors.ErrTransport, "channel is disconnected"),
			Timestamp: time.Now(),
		})
		return

	case ModeStreaming:
		if err := conn.Send(text, contextTag); err != nil {
			// Channel broke mid-send: degrade and deliver this message via
			// the call path so the conversation continues uninterrupted.
			c.logger.Warn("Streaming send failed, degrading to polling",
				zap.Error(err),
				zap.String("session_id", c.sessionID))
			c.mode = ModePolling
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			go c.poll(gen, text, contextTag)
			return
		}
		c.armReplyWaitLocked(gen)
		c.mu.Unlock()
		return

	default: // ModePolling
		c.mu.Unlock()
		go c.poll(gen, text, contextTag)
	}
}

// Teardown releases the underlying resource deterministically regardless of
// current state. In-flight callbacks become no-ops. Idempotent.
func (c *Channel) Teardown() {
	c.mu.Lock()
	c.gen++
	c.mode = ModeDisconnected
	conn := c.conn
	c.conn = nil
	for _, pw := range c.pending {
		pw.timer.Stop()
	}
	c.pending = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// readPump consumes push events until the channel errors or is torn down.
func (c *Channel) readPump(gen int, conn StreamConn) {
	for {
		ev, err := conn.Read()

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if err != nil {
			// Transport error after a successful open degrades to polling,
			// never to disconnected: the conversation carries on. Replies
			// already in flight are covered by their reply-wait timers.
			c.logger.Warn("Streaming channel closed, degrading to polling",
				zap.Error(err),
				zap.String("session_id", c.sessionID))
			c.mode = ModePolling
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.resolveOldestWaitLocked()
		c.mu.Unlock()

		c.deliver(gen, Event{Content: ev.Response, Timestamp: ev.Timestamp})
	}
}

// poll performs one discrete exchange and reports its outcome as an inbound
// event, so the consumer code path is identical to streaming.
func (c *Channel) poll(gen int, text string, contextTag string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.replyWait)
	defer cancel()

	reply, err := c.caller.SendChatMessage(ctx, text, c.sessionID, contextTag)
	if err != nil {
		c.deliver(gen, Event{Failed: true, Err: err, Timestamp: time.Now()})
		return
	}
	c.deliver(gen, Event{Content: reply.Response, Timestamp: reply.Timestamp})
}

// armReplyWaitLocked starts the reply-wait clock for one outstanding
// streaming exchange. Waits resolve in FIFO order: pushes answer the oldest
// outstanding send first.
func (c *Channel) armReplyWaitLocked(gen int) {
	pw := &pendingWait{}
	pw.timer = time.AfterFunc(c.replyWait, func() {
		c.expireWait(gen, pw)
	})
	c.pending = append(c.pending, pw)
}

func (c *Channel) resolveOldestWaitLocked() {
	if len(c.pending) == 0 {
		return
	}
	c.pending[0].timer.Stop()
	c.pending = c.pending[1:]
}

func (c *Channel) expireWait(gen int, pw *pendingWait) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	found := false
	for i, candidate := range c.pending {
		if candidate == pw {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}

	c.logger.Warn("Chat exchange exceeded reply wait",
		zap.Duration("reply_wait", c.replyWait),
		zap.String("session_id", c.sessionID))
	c.deliver(gen, Event{
		Failed:    true,
		Err:       apperrors.WrapError(apperrors.ErrTransport, "no reply within wait threshold"),
		Timestamp: time.Now(),
	})
}

// deliver hands an event to the consumer unless the channel was torn down
// since the event was produced.
func (c *Channel) deliver(gen int, ev Event) {
	c.mu.Lock()
	if gen != c.gen || c.handler == nil {
		c.mu.Unlock()
		return
	}
	handler := c.handler
	c.mu.Unlock()
	handler(ev)
}
