// Package engine is the session lifecycle manager: it owns which analysis
// session is active, wires the chat channel and conversation log for it, and
// persists its identity so a restart lands back in the same session.
package engine

import (
	"context"
	"sync"

	"insightforge-client/api"
	"insightforge-client/chat"
	"insightforge-client/config"
	apperrors "insightforge-client/errors"
	"insightforge-client/store"
	"insightforge-client/transport"
	"insightforge-client/upload"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Remote is the full service surface the engine drives. Satisfied by
// *api.Client.
type Remote interface {
	GetSession(ctx context.Context, sessionID string) (*api.SessionEnvelope, error)
	ListSessions(ctx context.Context, limit int) ([]api.SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SendChatMessage(ctx context.Context, text string, sessionID string, contextTag string) (api.ChatReply, error)
	OpenChatChannel(ctx context.Context, sessionID string) (*api.ChatChannel, error)
	UploadAnalysis(ctx context.Context, dataset api.FileRef, document *api.FileRef, spec api.AnalysisSpec, onProgress func(float64)) (*api.SessionEnvelope, error)
	AnalyzeChartImage(ctx context.Context, file api.FileRef, onProgress func(float64)) (*api.AnalysisResult, error)
}

// dialerAdapter narrows the concrete channel type to the transport's
// interface.
type dialerAdapter struct {
	remote Remote
}

func (d dialerAdapter) OpenChatChannel(ctx context.Context, sessionID string) (transport.StreamConn, error) {
	conn, err := d.remote.OpenChatChannel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// activeSession bundles the resources owned by the one active session.
type activeSession struct {
	info    api.SessionInfo
	result  *api.AnalysisResult
	channel *transport.Channel
	chat    *chat.Controller
}

// ViewModel is a point-in-time snapshot of engine state for a rendering
// layer. It carries no live references.
type ViewModel struct {
	Session        *api.SessionInfo
	Mode           transport.Mode
	Messages       []chat.Message
	ContextTag     string
	UploadStatus   upload.Status
	UploadProgress float64
	HasEDA         bool
	HasML          bool
	HasPDFInsights bool
}

// Engine coordinates the client's single active session. At most one session
// holds a live channel at a time; switching always tears the old one down
// before the new one opens.
type Engine struct {
	cfg     *config.Config
	remote  Remote
	store   store.Store
	uploads *upload.Coordinator
	logger  *zap.Logger

	// cache holds recently fetched envelopes so re-selecting a session does
	// not refetch immutable analysis results.
	cache *lru.Cache

	mu     sync.Mutex
	active *activeSession
}

func NewEngine(cfg *config.Config, remote Remote, st store.Store, logger *zap.Logger) (*Engine, error) {
	size := cfg.ResultCacheSize
	if size < 1 {
		size = 1
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		remote:  remote,
		store:   st,
		uploads: upload.NewCoordinator(cfg, remote, logger),
		logger:  logger,
		cache:   cache,
	}, nil
}

// Uploads exposes the upload coordinator for progress observation and
// cancellation.
func (e *Engine) Uploads() *upload.Coordinator {
	return e.uploads
}

// CreateFromUpload runs a dataset upload to completion and, on success, makes
// the resulting session the active one. Any previously active session is
// ended first.
func (e *Engine) CreateFromUpload(ctx context.Context, files upload.Files, spec api.AnalysisSpec) (*api.SessionInfo, error) {
	env, err := e.uploads.Start(ctx, files, spec)
	if err != nil {
		return nil, err
	}
	if err := e.activate(ctx, env); err != nil {
		return nil, err
	}
	info := env.Session
	return &info, nil
}

// RestoreFromStore resumes the persisted session, if any. A persisted
// identity the service no longer recognizes is cleared and reported as no
// session rather than an error.
func (e *Engine) RestoreFromStore(ctx context.Context) (*api.SessionInfo, error) {
	rec, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	env, err := e.fetchEnvelope(ctx, rec.SessionID)
	if err != nil {
		if apperrors.IsSessionNotFound(err) {
			e.logger.Info("Persisted session no longer exists, clearing slot",
				zap.String("session_id", rec.SessionID))
			if clearErr := e.store.Clear(); clearErr != nil {
				e.logger.Warn("Failed to clear stale session slot", zap.Error(clearErr))
			}
			return nil, nil
		}
		return nil, err
	}

	if err := e.activate(ctx, env); err != nil {
		return nil, err
	}
	info := env.Session
	return &info, nil
}

// SelectExisting switches the active session to a known prior one.
func (e *Engine) SelectExisting(ctx context.Context, sessionID string) (*api.SessionInfo, error) {
	env, err := e.fetchEnvelope(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.activate(ctx, env); err != nil {
		return nil, err
	}
	info := env.Session
	return &info, nil
}

// EndSession releases the active session's channel and forgets its persisted
// identity. Ending with no active session is a no-op.
func (e *Engine) EndSession() error {
	e.mu.Lock()
	active := e.active
	e.active = nil
	e.mu.Unlock()

	if active == nil {
		return nil
	}
	active.channel.Teardown()
	// Evict so a later select refetches exchanges recorded after this point.
	e.cache.Remove(active.info.ID)
	e.logger.Info("Session ended", zap.String("session_id", active.info.ID))
	return e.store.Clear()
}

// ListSessions returns recent sessions for a history view, newest first as
// the service orders them.
func (e *Engine) ListSessions(ctx context.Context) ([]api.SessionInfo, error) {
	return e.remote.ListSessions(ctx, e.cfg.HistoryLimit)
}

// DeleteSession removes a session remotely. Deleting the active session also
// ends it locally.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.remote.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	e.cache.Remove(sessionID)

	e.mu.Lock()
	isActive := e.active != nil && e.active.info.ID == sessionID
	e.mu.Unlock()
	if isActive {
		return e.EndSession()
	}
	return nil
}

// SendMessage forwards one chat message through the active session.
func (e *Engine) SendMessage(text string) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active == nil {
		return apperrors.WrapError(apperrors.ErrSessionNotFound, "no active session")
	}
	return active.chat.Send(text)
}

// SetContextTag switches the framing applied to subsequent messages.
func (e *Engine) SetContextTag(tag string) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active == nil {
		return apperrors.WrapError(apperrors.ErrSessionNotFound, "no active session")
	}
	active.chat.SetContextTag(tag)
	return nil
}

// AnalyzeChart runs the standalone chart image analysis. It does not touch
// the active session.
func (e *Engine) AnalyzeChart(ctx context.Context, file api.FileRef) (*api.AnalysisResult, error) {
	return e.uploads.StartChartAnalysis(ctx, file)
}

// Result returns the active session's analysis result, or nil without one.
func (e *Engine) Result() *api.AnalysisResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	return e.active.result
}

// Snapshot captures the current engine state for rendering.
func (e *Engine) Snapshot() ViewModel {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()

	vm := ViewModel{
		Mode:           transport.ModeDisconnected,
		ContextTag:     api.TagGeneral,
		UploadStatus:   e.uploads.Status(),
		UploadProgress: e.uploads.Progress(),
	}
	if active == nil {
		return vm
	}

	info := active.info
	vm.Session = &info
	vm.Mode = active.channel.Mode()
	vm.Messages = active.chat.Log()
	vm.ContextTag = active.chat.ContextTag()
	if active.result != nil {
		vm.HasEDA = active.result.HasEDA()
		vm.HasML = active.result.HasML()
		vm.HasPDFInsights = active.result.HasPDFInsights()
	}
	return vm
}

// fetchEnvelope returns the session envelope, from cache when present.
// Results are immutable once computed, so a cache hit is always current;
// recorded exchanges in a cached envelope may trail, which hydration
// tolerates.
func (e *Engine) fetchEnvelope(ctx context.Context, sessionID string) (*api.SessionEnvelope, error) {
	if cached, ok := e.cache.Get(sessionID); ok {
		return cached.(*api.SessionEnvelope), nil
	}
	env, err := e.remote.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.cache.Add(sessionID, env)
	return env, nil
}

// activate makes env's session the active one: the prior session's channel is
// torn down before the new one opens, keeping channel ownership exclusive.
func (e *Engine) activate(ctx context.Context, env *api.SessionEnvelope) error {
	e.mu.Lock()
	prior := e.active
	e.active = nil
	e.mu.Unlock()

	if prior != nil {
		prior.channel.Teardown()
	}

	channel := transport.New(dialerAdapter{e.remote}, e.remote, env.Session.ID, e.cfg.ChatReplyWait, e.logger)
	controller := chat.NewController(channel, e.logger)
	controller.Hydrate(env.Exchanges)
	channel.Open(ctx)

	e.mu.Lock()
	e.active = &activeSession{
		info:    env.Session,
		result:  env.Result,
		channel: channel,
		chat:    controller,
	}
	e.mu.Unlock()

	e.cache.Add(env.Session.ID, env)
	if err := e.store.Save(store.Record{SessionID: env.Session.ID, CreatedAt: env.Session.CreatedAt.Time}); err != nil {
		// Persistence failure degrades restart continuity only; the live
		// session stays usable.
		e.logger.Warn("Failed to persist session identity", zap.Error(err))
	}

	e.logger.Info("Session active",
		zap.String("session_id", env.Session.ID),
		zap.String("mode", channel.Mode().String()))
	return nil
}
