package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	apperrors "insightforge-client/errors"

	"go.uber.org/zap"
)

type uploadResponse struct {
	SessionID   string          `json:"session_id"`
	EDAResults  json.RawMessage `json:"eda_results"`
	MLResults   json.RawMessage `json:"ml_results"`
	PDFInsights json.RawMessage `json:"pdf_insights"`
	DatasetInfo json.RawMessage `json:"dataset_info"`
}

// progressCounter tracks bytes read across one or more file payloads so a
// dataset and its companion document report as a single coherent transfer.
type progressCounter struct {
	loaded   atomic.Int64
	total    int64
	onUpdate func(float64)
}

func newProgressCounter(total int64, onUpdate func(float64)) *progressCounter {
	return &progressCounter{total: total, onUpdate: onUpdate}
}

func (pc *progressCounter) add(n int) {
	if n <= 0 || pc.onUpdate == nil || pc.total <= 0 {
		return
	}
	loaded := pc.loaded.Add(int64(n))
	fraction := float64(loaded) / float64(pc.total)
	if fraction > 1 {
		fraction = 1
	}
	pc.onUpdate(fraction)
}

type countingReader struct {
	r       io.Reader
	counter *progressCounter
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.counter.add(n)
	return n, err
}

// UploadAnalysis performs the multi-part dataset upload and waits for the
// analysis pipeline to finish. The companion document, when present, is
// bundled into the same request and the same progress number. The files are
// streamed, not buffered in memory.
func (c *Client) UploadAnalysis(
	ctx context.Context,
	dataset FileRef,
	document *FileRef,
	spec AnalysisSpec,
	onProgress func(float64),
) (*SessionEnvelope, error) {
	total := dataset.Size
	if document != nil {
		total += document.Size
	}
	counter := newProgressCounter(total, onProgress)

	build := func() (*http.Request, error) {
		pr, pw := io.Pipe()
		writer := multipart.NewWriter(pw)

		go func() {
			err := func() error {
				if err := writer.WriteField("task_type", spec.TaskType); err != nil {
					return err
				}
				if err := writer.WriteField("target_column", spec.TargetColumn); err != nil {
					return err
				}
				if err := writeFilePart(writer, "file", dataset, counter); err != nil {
					return err
				}
				if document != nil {
					if err := writeFilePart(writer, "pdf_file", *document, counter); err != nil {
						return err
					}
				}
				return writer.Close()
			}()
			pw.CloseWithError(err)
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/upload-dataset"), pr)
		if err != nil {
			return nil, fmt.Errorf("create upload request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}

	c.logger.Info("Uploading dataset for analysis",
		zap.String("dataset", dataset.Name),
		zap.Int64("total_bytes", total),
		zap.Bool("has_document", document != nil))

	resp, err := c.do(req, nil)
	if err != nil {
		return nil, apperrors.WrapError(err, "dataset upload failed")
	}
	defer resp.Body.Close()

	var ur uploadResponse
	if err := decodeResponse(resp, &ur); err != nil {
		return nil, apperrors.WrapError(err, "dataset upload failed")
	}

	result := &AnalysisResult{sections: map[string]json.RawMessage{}}
	putSection(result, SectionEDA, ur.EDAResults)
	putSection(result, SectionML, ur.MLResults)
	putSection(result, SectionPDFInsights, ur.PDFInsights)
	putSection(result, SectionDatasetInfo, ur.DatasetInfo)

	return &SessionEnvelope{
		Session: SessionInfo{
			ID:           ur.SessionID,
			CreatedAt:    Timestamp{Time: time.Now()},
			TaskType:     spec.TaskType,
			TargetColumn: spec.TargetColumn,
		},
		Result: result,
	}, nil
}

// AnalyzeChartImage uploads a standalone chart image for analysis,
// independent of any tabular session.
func (c *Client) AnalyzeChartImage(
	ctx context.Context,
	file FileRef,
	onProgress func(float64),
) (*AnalysisResult, error) {
	counter := newProgressCounter(file.Size, onProgress)

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := writeFilePart(writer, "file", file, counter); err != nil {
				return err
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/analyze-chart"), pr)
	if err != nil {
		return nil, fmt.Errorf("create chart request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.do(req, nil)
	if err != nil {
		return nil, apperrors.WrapError(err, "chart analysis failed")
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := decodeResponse(resp, &raw); err != nil {
		return nil, apperrors.WrapError(err, "chart analysis failed")
	}
	result := &AnalysisResult{sections: map[string]json.RawMessage{}}
	putSection(result, SectionChartAnalysis, raw)
	return result, nil
}

func writeFilePart(writer *multipart.Writer, field string, ref FileRef, counter *progressCounter) error {
	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", ref.Name, err)
	}
	defer f.Close()

	part, err := writer.CreateFormFile(field, ref.Name)
	if err != nil {
		return fmt.Errorf("create form part for %s: %w", ref.Name, err)
	}
	if _, err := io.Copy(part, &countingReader{r: f, counter: counter}); err != nil {
		return fmt.Errorf("stream %s: %w", ref.Name, err)
	}
	return nil
}

func putSection(result *AnalysisResult, name string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	result.sections[name] = raw
}
