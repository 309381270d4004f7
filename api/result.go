package api

import (
	"bytes"
	"encoding/json"
)

// Known result subsections. The engine never interprets their contents; it
// only checks for their presence to drive view availability.
const (
	SectionEDA           = "eda"
	SectionML            = "ml"
	SectionPDFInsights   = "pdf_insights"
	SectionDatasetInfo   = "dataset_info"
	SectionChartAnalysis = "chart_analysis"
)

// AnalysisResult is the opaque value produced by the remote analysis
// pipeline. Subsections are kept as raw JSON; callers that render them decode
// what they need through Section.
type AnalysisResult struct {
	sections map[string]json.RawMessage
}

// aliases maps the upload response's key names onto the canonical section
// names used by the session endpoint.
var sectionAliases = map[string]string{
	"eda_results": SectionEDA,
	"ml_results":  SectionML,
}

func (r *AnalysisResult) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.sections = make(map[string]json.RawMessage, len(raw))
	for key, value := range raw {
		if canonical, ok := sectionAliases[key]; ok {
			key = canonical
		}
		r.sections[key] = value
	}
	return nil
}

func (r *AnalysisResult) MarshalJSON() ([]byte, error) {
	if r.sections == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.sections)
}

// Section returns the raw JSON for a named subsection and whether it exists
// with a non-null value. This is the escape hatch for the view layer.
func (r *AnalysisResult) Section(name string) (json.RawMessage, bool) {
	if r == nil || r.sections == nil {
		return nil, false
	}
	raw, ok := r.sections[name]
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}

// HasEDA reports whether exploratory data analysis results exist.
func (r *AnalysisResult) HasEDA() bool {
	_, ok := r.Section(SectionEDA)
	return ok
}

// HasML reports whether model training results exist.
func (r *AnalysisResult) HasML() bool {
	_, ok := r.Section(SectionML)
	return ok
}

// HasPDFInsights reports whether companion-document chart insights exist.
func (r *AnalysisResult) HasPDFInsights() bool {
	_, ok := r.Section(SectionPDFInsights)
	return ok
}
