// Package chat owns the ordered conversation log for one session. It turns
// the transport's raw inbound/outbound traffic into ChatMessages, hiding the
// delivery mode from the view layer entirely.
package chat

import (
	"strings"
	"sync"
	"time"

	"insightforge-client/api"
	apperrors "insightforge-client/errors"
	"insightforge-client/transport"
	"insightforge-client/utils"

	"go.uber.org/zap"
)

// userFacingErrorReply stands in for an assistant reply when an exchange
// fails; raw network errors never reach the conversation.
const userFacingErrorReply = "I apologize, but I encountered an error while processing your message. Please try again."

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the conversation log. Ordering is by Seq,
// assigned at append time; wall-clock timestamps are unreliable across
// transports and are informational only.
type Message struct {
	ID        string
	Origin    Origin
	Role      Role
	Content   string
	Rendered  string
	Seq       int64
	Timestamp time.Time
	Error     bool
}

// Transport is the channel surface the controller drives. Satisfied by
// *transport.Channel.
type Transport interface {
	Send(text string, contextTag string)
	OnMessage(handler func(transport.Event))
	Mode() transport.Mode
}

// Controller mediates between the UI's send intents and the transport's
// inbound events for one session.
type Controller struct {
	transport Transport
	logger    *zap.Logger

	mu            sync.Mutex
	messages      []Message
	nextSeq       int64
	hydratedPairs int
	contextTag    string
}

func NewController(t Transport, logger *zap.Logger) *Controller {
	c := &Controller{
		transport:  t,
		logger:     logger,
		nextSeq:    1,
		contextTag: api.TagGeneral,
	}
	t.OnMessage(c.handleInbound)
	return c
}

// Send appends the user's message optimistically and forwards it on the
// transport. Empty or whitespace-only text is rejected before any network
// activity. Concurrent sends are allowed; each append gets a distinct,
// increasing sequence number, fixing the total order of intents even when
// replies race.
func (c *Controller) Send(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return apperrors.WrapError(apperrors.ErrInvalidInput, "chat message is empty")
	}

	c.mu.Lock()
	c.appendLocked(Message{
		ID:        utils.GenerateMessageID(),
		Origin:    OriginLocal,
		Role:      RoleUser,
		Content:   trimmed,
		Timestamp: time.Now(),
	})
	tag := c.contextTag
	c.mu.Unlock()

	c.transport.Send(trimmed, tag)
	return nil
}

// SetContextTag switches which result subset frames the remote reasoning for
// subsequent sends. Unrecognized tags coerce to general.
func (c *Controller) SetContextTag(tag string) {
	normalized := api.NormalizeContextTag(tag)
	c.mu.Lock()
	c.contextTag = normalized
	c.mu.Unlock()
}

// ContextTag returns the tag applied to subsequent sends.
func (c *Controller) ContextTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextTag
}

// Hydrate merges exchange pairs recorded by the remote session ahead of any
// live messages, by sequence number. Idempotent: a slot already merged with
// equal content and role collapses to one entry.
func (c *Controller) Hydrate(records []api.ExchangeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(records) <= c.hydratedPairs {
		return
	}
	fresh := records[c.hydratedPairs:]

	msgs := make([]Message, 0, 2*len(fresh))
	for _, rec := range fresh {
		msgs = append(msgs,
			Message{
				ID:        utils.GenerateMessageID(),
				Origin:    OriginRemote,
				Role:      RoleUser,
				Content:   rec.Message,
				Timestamp: rec.Timestamp.Time,
			},
			Message{
				ID:        utils.GenerateMessageID(),
				Origin:    OriginRemote,
				Role:      RoleAssistant,
				Content:   rec.Response,
				Rendered:  renderAssistantHTML(rec.Response),
				Timestamp: rec.Timestamp.Time,
			})
	}

	insertAt := 2 * c.hydratedPairs
	if insertAt >= len(c.messages) {
		// Nothing live after the hydrated block; plain append.
		for i := range msgs {
			msgs[i].Seq = c.nextSeq
			c.nextSeq++
		}
		c.messages = append(c.messages, msgs...)
		c.hydratedPairs = len(records)
		return
	}

	// Live messages exist: history goes ahead of them, never interleaved
	// after. Sequence numbers are assigned below the first live one.
	firstLive := c.messages[insertAt].Seq
	start := firstLive - int64(len(msgs))
	if insertAt > 0 && start <= c.messages[insertAt-1].Seq {
		c.logger.Warn("No sequence room ahead of live messages, appending history at tail",
			zap.Int("pairs", len(fresh)))
		for i := range msgs {
			msgs[i].Seq = c.nextSeq
			c.nextSeq++
		}
		c.messages = append(c.messages, msgs...)
		c.hydratedPairs = len(records)
		return
	}
	for i := range msgs {
		msgs[i].Seq = start + int64(i)
	}
	tail := append([]Message{}, c.messages[insertAt:]...)
	c.messages = append(c.messages[:insertAt], append(msgs, tail...)...)
	c.hydratedPairs = len(records)
}

// Log returns a snapshot of the conversation, ordered by sequence number.
func (c *Controller) Log() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]Message, len(c.messages))
	copy(snapshot, c.messages)
	return snapshot
}

// Mode reports the underlying transport mode for the view model.
func (c *Controller) Mode() transport.Mode {
	return c.transport.Mode()
}

// handleInbound is the transport's single consumer. A failed exchange yields
// one synthetic assistant message flagged as an error; the user must re-send.
func (c *Controller) handleInbound(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Failed {
		c.logger.Warn("Chat exchange failed", zap.Error(ev.Err))
		c.appendLocked(Message{
			ID:        utils.GenerateMessageID(),
			Origin:    OriginRemote,
			Role:      RoleAssistant,
			Content:   userFacingErrorReply,
			Rendered:  renderAssistantHTML(userFacingErrorReply),
			Timestamp: ev.Timestamp,
			Error:     true,
		})
		return
	}

	if c.isDuplicateLocked(ev.Content) {
		c.logger.Debug("Dropping duplicate inbound delivery")
		return
	}

	c.appendLocked(Message{
		ID:        utils.GenerateMessageID(),
		Origin:    OriginRemote,
		Role:      RoleAssistant,
		Content:   ev.Content,
		Rendered:  renderAssistantHTML(ev.Content),
		Timestamp: ev.Timestamp,
	})
}

// isDuplicateLocked guards against a duplicate delivery from a reconnect: an
// inbound event is ignored when every user message already has its answer and
// the content matches the latest resolved assistant reply.
func (c *Controller) isDuplicateLocked(content string) bool {
	users, assistants := 0, 0
	lastAssistant := -1
	for i, msg := range c.messages {
		switch msg.Role {
		case RoleUser:
			users++
		case RoleAssistant:
			assistants++
			lastAssistant = i
		}
	}
	if assistants < users || lastAssistant < 0 {
		return false
	}
	return c.messages[lastAssistant].Content == content
}

func (c *Controller) appendLocked(msg Message) {
	msg.Seq = c.nextSeq
	c.nextSeq++
	c.messages = append(c.messages, msg)
}
