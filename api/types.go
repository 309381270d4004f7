package api

import (
	"strings"
	"time"
)

// Context tags recognized by the remote chat engine. An unrecognized tag is
// coerced to TagGeneral rather than rejected, so a stale caller keeps working.
const (
	TagGeneral          = "general"
	TagEDAAnalysis      = "eda_analysis"
	TagModelPerformance = "model_performance"
	TagChartAnalysis    = "chart_analysis"
)

// Task types accepted by the analysis pipeline.
const (
	TaskClassification = "classification"
	TaskRegression     = "regression"
	TaskClustering     = "clustering"
)

// NormalizeContextTag maps arbitrary input onto a recognized context tag.
func NormalizeContextTag(tag string) string {
	switch strings.TrimSpace(strings.ToLower(tag)) {
	case TagEDAAnalysis:
		return TagEDAAnalysis
	case TagModelPerformance:
		return TagModelPerformance
	case TagChartAnalysis:
		return TagChartAnalysis
	default:
		return TagGeneral
	}
}

// IsValidTaskType reports whether the task type is one the pipeline accepts.
func IsValidTaskType(taskType string) bool {
	switch taskType {
	case TaskClassification, TaskRegression, TaskClustering:
		return true
	}
	return false
}

// Timestamp tolerates the service's mixed timestamp formats: RFC3339 from
// JSON-serialized columns and naive "YYYY-MM-DDTHH:MM:SS[.ffffff]" strings
// from the Python side.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		ts.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t
			return nil
		}
	}
	// Unparsable timestamps degrade to zero rather than failing the decode;
	// message ordering never depends on wall-clock values.
	ts.Time = time.Time{}
	return nil
}

// SessionInfo is the server-tracked identity of one analysis session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    Timestamp `json:"created_at"`
	TaskType     string    `json:"task_type"`
	TargetColumn string    `json:"target_column"`
}

// ExchangeRecord is one recorded user/assistant message pair from a prior
// conversation, returned by GetSession for history hydration.
type ExchangeRecord struct {
	Message    string    `json:"message"`
	Response   string    `json:"response"`
	Timestamp  Timestamp `json:"timestamp"`
	ContextTag string    `json:"context_type"`
}

// ChatReply is the discrete call-and-response result for one chat message.
type ChatReply struct {
	Response  string
	Timestamp time.Time
}

// FileRef points at a local file staged for upload.
type FileRef struct {
	Name string
	Path string
	Size int64
}

// AnalysisSpec is the metadata accompanying a dataset upload.
type AnalysisSpec struct {
	TaskType     string
	TargetColumn string
}

// SessionEnvelope bundles a session's identity with its analysis result and
// any recorded exchanges. It is the unit the engine caches and hydrates from.
type SessionEnvelope struct {
	Session   SessionInfo
	Result    *AnalysisResult
	Exchanges []ExchangeRecord
}
