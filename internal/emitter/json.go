package emitter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/yairfalse/posture/internal/rule"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonResult struct {
	Target     string         `json:"target"`
	Region     string         `json:"region"`
	Count      int            `json:"count"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Failed     int            `json:"failed"`
	Findings   []rule.Finding `json:"findings"`
}

type jsonReport struct {
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Failed     int          `json:"failed"`
	Results    []jsonResult `json:"results"`
}

// JSONEmitter writes each report as one JSON document.
type JSONEmitter struct {
	mu     sync.Mutex
	w      io.Writer
	indent bool
}

// NewJSONEmitter creates a JSONEmitter writing to w. With indent the
// output is pretty printed.
func NewJSONEmitter(w io.Writer, indent bool) *JSONEmitter {
	return &JSONEmitter{w: w, indent: indent}
}

// Emit encodes the report.
func (e *JSONEmitter) Emit(_ context.Context, report Report) error {
	out := jsonReport{
		StartedAt:  report.StartedAt,
		DurationMS: report.Duration.Milliseconds(),
		Failed:     report.Failed(),
		Results:    make([]jsonResult, 0, len(report.Results)),
	}
	for _, res := range report.Results {
		r := jsonResult{
			Target:     res.Target,
			Region:     res.Region,
			Count:      res.Count,
			DurationMS: res.Duration.Milliseconds(),
			Failed:     res.Failed(),
			Findings:   res.Findings,
		}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		if r.Findings == nil {
			r.Findings = []rule.Finding{}
		}
		out.Results = append(out.Results, r)
	}

	var (
		data []byte
		err  error
	)
	if e.indent {
		data, err = json.MarshalIndent(out, "", "  ")
	} else {
		data, err = json.Marshal(out)
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Close is a no-op; the writer belongs to the caller.
func (e *JSONEmitter) Close() error {
	return nil
}
