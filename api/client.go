package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"insightforge-client/config"
	apperrors "insightforge-client/errors"

	"go.uber.org/zap"
)

type chatRequest struct {
	Message     string `json:"message"`
	SessionID   string `json:"session_id,omitempty"`
	ContextType string `json:"context_type"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type sessionEnvelopeResponse struct {
	Session struct {
		ID           string          `json:"id"`
		CreatedAt    Timestamp       `json:"created_at"`
		TaskType     string          `json:"task_type"`
		TargetColumn string          `json:"target_column"`
		DatasetInfo  json.RawMessage `json:"dataset_info"`
		Results      *AnalysisResult `json:"results"`
	} `json:"session"`
	ChatHistory []ExchangeRecord `json:"chat_history"`
}

type sessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// Client talks to the remote analysis service. It is safe for concurrent use.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg *config.Config, logger *zap.Logger) *Client {
	// Uploads stream through the configured timeout; chat calls additionally
	// bound themselves with the reply-wait deadline via context.
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

func (c *Client) url(path string) string {
	return c.cfg.ServiceBaseURL + path
}

// do issues a request, retrying on 503 (service warming up) with jittered
// exponential backoff. It never retries after context cancellation.
func (c *Client) do(req *http.Request, rebuild func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		r, err := c.httpClient.Do(req)
		if err != nil {
			// Connection-level failures are not retried; re-submitting is a
			// caller decision.
			lastErr = err
			break
		}
		if r.StatusCode == http.StatusServiceUnavailable && rebuild != nil {
			// Retry only when the request body can be rebuilt; streamed
			// uploads are never re-issued automatically.
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			c.logger.Warn("Analysis service unavailable, retrying", zap.Int("attempt", attempt+1))
			c.backoffSleep(attempt)
			req, err = rebuild()
			if err != nil {
				return nil, err
			}
			continue
		}
		resp = r
		break
	}
	if resp == nil {
		return nil, apperrors.WrapError(apperrors.ErrServiceUnavailable, fmt.Sprintf("no response from analysis service (%v)", lastErr))
	}
	return resp, nil
}

func (c *Client) backoffSleep(attempt int) {
	base := c.cfg.RetryDelaySeconds
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(1<<attempt)
	jitter := time.Duration(float64(d) * 0.1)
	time.Sleep(d - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter+1)))
}

// postJSON sends a JSON body and decodes a JSON response into out.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
	req, err := build()
	if err != nil {
		return err
	}
	resp, err := c.do(req, build)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	build := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	}
	req, err := build()
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req, build)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return apperrors.ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service status %s: %s", resp.Status, string(bodyBytes))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health checks service reachability.
func (c *Client) Health(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/health", &status); err != nil {
		return err
	}
	if status.Status != "healthy" {
		return apperrors.WrapErrorf(apperrors.ErrServiceUnavailable, "service reported status %q", status.Status)
	}
	return nil
}

// SendChatMessage performs the discrete call-and-response chat exchange. It is
// the polling-mode delivery path; the streaming channel covers the same
// traffic when available.
func (c *Client) SendChatMessage(ctx context.Context, text string, sessionID string, contextTag string) (ChatReply, error) {
	req := chatRequest{
		Message:     text,
		SessionID:   sessionID,
		ContextType: NormalizeContextTag(contextTag),
	}
	var resp chatResponse
	if err := c.postJSON(ctx, "/chat", req, &resp); err != nil {
		return ChatReply{}, apperrors.WrapError(err, "chat call failed")
	}
	return ChatReply{Response: resp.Response, Timestamp: time.Now()}, nil
}

// GetSession fetches a session's identity, analysis result, and recorded
// exchanges. Returns ErrSessionNotFound if the service no longer knows it.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionEnvelope, error) {
	var resp sessionEnvelopeResponse
	if err := c.getJSON(ctx, "/sessions/"+sessionID, &resp); err != nil {
		return nil, err
	}
	result := resp.Session.Results
	if result == nil {
		result = &AnalysisResult{}
	}
	if len(resp.Session.DatasetInfo) > 0 {
		if result.sections == nil {
			result.sections = make(map[string]json.RawMessage, 1)
		}
		result.sections[SectionDatasetInfo] = resp.Session.DatasetInfo
	}
	return &SessionEnvelope{
		Session: SessionInfo{
			ID:           resp.Session.ID,
			CreatedAt:    resp.Session.CreatedAt,
			TaskType:     resp.Session.TaskType,
			TargetColumn: resp.Session.TargetColumn,
		},
		Result:    result,
		Exchanges: resp.ChatHistory,
	}, nil
}

// ListSessions returns up to limit sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	var resp sessionListResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/sessions?limit=%d", limit), &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// DeleteSession removes a session and its recorded exchanges remotely.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("/sessions/"+sessionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, nil)
}
