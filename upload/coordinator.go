// Package upload coordinates the single active analysis upload: validation
// before any network activity, monotonic progress reporting, and cooperative
// cancellation that wins every race against completion.
package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"insightforge-client/api"
	"insightforge-client/config"
	apperrors "insightforge-client/errors"
	"insightforge-client/utils"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// Status is the upload job's lifecycle state. Succeeded, failed and cancelled
// are terminal; there is no automatic retry.
type Status int

const (
	StatusIdle Status = iota
	StatusUploading
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusUploading:
		return "uploading"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Files is the staged payload: the primary dataset plus an optional
// companion document.
type Files struct {
	Dataset  api.FileRef
	Document *api.FileRef
}

// Uploader performs the remote transfer. Satisfied by *api.Client.
type Uploader interface {
	UploadAnalysis(ctx context.Context, dataset api.FileRef, document *api.FileRef, spec api.AnalysisSpec, onProgress func(float64)) (*api.SessionEnvelope, error)
	AnalyzeChartImage(ctx context.Context, file api.FileRef, onProgress func(float64)) (*api.AnalysisResult, error)
}

// Coordinator manages one active upload at a time for an engine instance.
type Coordinator struct {
	cfg      *config.Config
	uploader Uploader
	logger   *zap.Logger

	mu         sync.Mutex
	status     Status
	progress   float64
	cancelled  bool
	cancel     context.CancelFunc
	onProgress func(float64)
}

func NewCoordinator(cfg *config.Config, uploader Uploader, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		uploader: uploader,
		logger:   logger,
	}
}

// OnProgress registers the progress observer. The observed fraction is
// monotonically non-decreasing for the lifetime of one job; late, smaller
// values from the transfer layer are discarded.
func (c *Coordinator) OnProgress(observer func(float64)) {
	c.mu.Lock()
	c.onProgress = observer
	c.mu.Unlock()
}

// Status returns the current job status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Progress returns the last reported fraction in [0,1].
func (c *Coordinator) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Start validates the payload and metadata, then runs the upload to
// completion. Validation failures reject before any network activity with no
// side effects. Exactly one job may be active; a second Start while uploading
// is rejected.
func (c *Coordinator) Start(ctx context.Context, files Files, spec api.AnalysisSpec) (*api.SessionEnvelope, error) {
	if err := c.validateSpec(spec); err != nil {
		return nil, err
	}
	dataset, err := c.validateDataset(files.Dataset)
	if err != nil {
		return nil, err
	}
	document, err := c.validateDocument(files.Document)
	if err != nil {
		return nil, err
	}

	uctx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Starting analysis upload",
		zap.String("dataset", dataset.Name),
		zap.String("task_type", spec.TaskType),
		zap.Bool("has_document", document != nil))

	env, uploadErr := c.uploader.UploadAnalysis(uctx, dataset, document, spec, c.observeProgress)
	return c.finish(env, uploadErr)
}

// StartChartAnalysis runs the standalone single-file variant: one chart image
// analyzed independently of any tabular session, with the same progress and
// cancellation contract.
func (c *Coordinator) StartChartAnalysis(ctx context.Context, file api.FileRef) (*api.AnalysisResult, error) {
	image, err := c.validateChartImage(file)
	if err != nil {
		return nil, err
	}

	uctx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Starting chart image analysis", zap.String("file", image.Name))

	result, analyzeErr := c.uploader.AnalyzeChartImage(uctx, image, c.observeProgress)
	if _, err := c.finish(nil, analyzeErr); err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel aborts the active transfer. Progress and completion callbacks racing
// with cancellation are suppressed once it has been invoked. Idempotent.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.status != StatusUploading {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("Upload cancelled")
	if cancel != nil {
		cancel()
	}
}

// begin claims the single job slot and derives the cancellable context.
func (c *Coordinator) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusUploading {
		return nil, apperrors.WrapError(apperrors.ErrInvalidInput, "an upload is already in progress")
	}
	uctx, cancel := context.WithCancel(ctx)
	c.status = StatusUploading
	c.progress = 0
	c.cancelled = false
	c.cancel = cancel
	return uctx, nil
}

// finish resolves the job's terminal status. Cancellation wins races: once
// Cancel has run, neither success nor failure is observed by the caller, even
// if the transfer had already completed.
func (c *Coordinator) finish(env *api.SessionEnvelope, uploadErr error) (*api.SessionEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = nil

	if c.cancelled {
		c.status = StatusCancelled
		return nil, apperrors.WrapError(apperrors.ErrCancelled, "upload cancelled")
	}
	if uploadErr != nil {
		c.status = StatusFailed
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUpload, uploadErr)
	}
	c.status = StatusSucceeded
	c.progress = 1
	return env, nil
}

// observeProgress clamps reported progress to be monotonically non-decreasing
// and suppresses events once cancellation has been invoked. A decrease from
// the transfer layer is reported at the held value, so the observer sees one
// observation per event.
func (c *Coordinator) observeProgress(fraction float64) {
	c.mu.Lock()
	if c.cancelled || c.status != StatusUploading {
		c.mu.Unlock()
		return
	}
	if fraction < c.progress {
		fraction = c.progress
	}
	if fraction > 1 {
		fraction = 1
	}
	c.progress = fraction
	observer := c.onProgress
	c.mu.Unlock()

	if observer != nil {
		observer(fraction)
	}
}

func (c *Coordinator) validateSpec(spec api.AnalysisSpec) error {
	if !api.IsValidTaskType(spec.TaskType) {
		return apperrors.WrapErrorf(apperrors.ErrInvalidInput, "unknown task type %q", spec.TaskType)
	}
	if strings.TrimSpace(spec.TargetColumn) == "" {
		return apperrors.WrapError(apperrors.ErrInvalidInput, "target column is required")
	}
	return nil
}

// validateDataset enforces the tabular-only restriction by content, not just
// extension, and fills in name and size from the filesystem.
func (c *Coordinator) validateDataset(ref api.FileRef) (api.FileRef, error) {
	ref, err := c.resolveFile(ref, c.cfg.DatasetMaxBytes(), "dataset")
	if err != nil {
		return ref, err
	}

	ext := strings.ToLower(filepath.Ext(ref.Name))
	switch ext {
	case ".csv", ".xlsx", ".xls":
	default:
		return ref, apperrors.WrapError(apperrors.ErrInvalidInput, "invalid dataset type, upload a CSV or Excel file")
	}

	mime, err := mimetype.DetectFile(ref.Path)
	if err != nil {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "could not inspect dataset: %v", err)
	}
	tabular := mime.Is("text/csv") ||
		strings.HasPrefix(mime.String(), "text/") ||
		mime.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet") ||
		mime.Is("application/vnd.ms-excel")
	if !tabular {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "dataset content is %s, expected tabular data", mime.String())
	}
	return ref, nil
}

// validateDocument preflights the optional companion document: it must be a
// real PDF with at least one page, checked locally before any bytes move.
func (c *Coordinator) validateDocument(ref *api.FileRef) (*api.FileRef, error) {
	if ref == nil {
		return nil, nil
	}
	resolved, err := c.resolveFile(*ref, c.cfg.DocumentMaxBytes(), "document")
	if err != nil {
		return nil, err
	}

	if strings.ToLower(filepath.Ext(resolved.Name)) != ".pdf" {
		return nil, apperrors.WrapError(apperrors.ErrInvalidInput, "companion document must be a PDF")
	}
	mime, err := mimetype.DetectFile(resolved.Path)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "could not inspect document: %v", err)
	}
	if !mime.Is("application/pdf") {
		return nil, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "document content is %s, expected application/pdf", mime.String())
	}

	f, reader, err := pdf.Open(resolved.Path)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "document is not a readable PDF: %v", err)
	}
	defer f.Close()
	if reader.NumPage() < 1 {
		return nil, apperrors.WrapError(apperrors.ErrInvalidInput, "document has no pages")
	}

	return &resolved, nil
}

func (c *Coordinator) validateChartImage(ref api.FileRef) (api.FileRef, error) {
	ref, err := c.resolveFile(ref, c.cfg.ChartMaxBytes(), "chart image")
	if err != nil {
		return ref, err
	}

	ext := strings.ToLower(filepath.Ext(ref.Name))
	switch ext {
	case ".png", ".jpg", ".jpeg":
	default:
		return ref, apperrors.WrapError(apperrors.ErrInvalidInput, "chart image must be PNG or JPEG")
	}

	mime, err := mimetype.DetectFile(ref.Path)
	if err != nil {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "could not inspect chart image: %v", err)
	}
	if !mime.Is("image/png") && !mime.Is("image/jpeg") {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "chart image content is %s, expected PNG or JPEG", mime.String())
	}
	return ref, nil
}

// resolveFile checks existence and size bounds and normalizes the name used
// for transmission.
func (c *Coordinator) resolveFile(ref api.FileRef, maxBytes int64, kind string) (api.FileRef, error) {
	if strings.TrimSpace(ref.Path) == "" {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "%s file is required", kind)
	}
	size, ok := utils.VerifyRegularFile(ref.Path)
	if !ok {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "%s file %s does not exist", kind, ref.Path)
	}
	if size == 0 {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "%s file is empty", kind)
	}
	if maxBytes > 0 && size > maxBytes {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "%s file too large: %d bytes exceeds the %d byte limit", kind, size, maxBytes)
	}
	ref.Size = size

	if ref.Name == "" {
		ref.Name = filepath.Base(ref.Path)
	}
	ref.Name = utils.SanitizeFilename(ref.Name)
	if ref.Name == "" {
		return ref, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "%s filename is invalid", kind)
	}
	return ref, nil
}
