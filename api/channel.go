package api

import (
	"context"
	"strings"
	"time"

	apperrors "insightforge-client/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ChannelEvent is one inbound push from the streaming chat channel.
type ChannelEvent struct {
	Response  string
	Timestamp time.Time
}

type outboundFrame struct {
	Message     string `json:"message"`
	ContextType string `json:"context_type"`
}

type inboundFrame struct {
	Response  string    `json:"response"`
	Timestamp Timestamp `json:"timestamp"`
}

// ChatChannel is an open streaming chat channel for one session.
type ChatChannel struct {
	conn *websocket.Conn
}

// OpenChatChannel dials the session's realtime chat endpoint. The caller owns
// the returned channel and must Close it.
func (c *Client) OpenChatChannel(ctx context.Context, sessionID string) (*ChatChannel, error) {
	wsURL := httpToWS(c.cfg.ServiceBaseURL) + "/ws/chat/" + sessionID

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, apperrors.WrapErrorf(apperrors.ErrTransport, "dial chat channel %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.logger.Info("Chat channel opened", zap.String("session_id", sessionID))
	return &ChatChannel{conn: conn}, nil
}

// Send writes one outbound chat message on the channel.
func (ch *ChatChannel) Send(text string, contextTag string) error {
	frame := outboundFrame{Message: text, ContextType: NormalizeContextTag(contextTag)}
	if err := ch.conn.WriteJSON(frame); err != nil {
		return apperrors.WrapError(apperrors.ErrTransport, err.Error())
	}
	return nil
}

// Read blocks for the next inbound push. It returns an error when the channel
// closes or breaks; the caller decides how to degrade.
func (ch *ChatChannel) Read() (ChannelEvent, error) {
	var frame inboundFrame
	if err := ch.conn.ReadJSON(&frame); err != nil {
		return ChannelEvent{}, apperrors.WrapError(apperrors.ErrTransport, err.Error())
	}
	ts := frame.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return ChannelEvent{Response: frame.Response, Timestamp: ts}, nil
}

// Close releases the underlying connection. Safe to call more than once.
func (ch *ChatChannel) Close() error {
	return ch.conn.Close()
}

// httpToWS rewrites the service base URL scheme for websocket dialing.
func httpToWS(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
