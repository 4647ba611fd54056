package publish

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// Record kinds written by JSONLines.
const (
	KindScore   = "score"
	KindSummary = "summary"
)

// Line is one record written by JSONLines.
type Line struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	Data      any    `json:"data"`
}

// JSONLines writes every record as one JSON object per line.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines creates a sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

// PublishScore implements Sink.
func (j *JSONLines) PublishScore(_ context.Context, s model.FatigueScore) error {
	return j.write(Line{Kind: KindScore, SessionID: s.SessionID, Data: s})
}

// PublishSummary implements Sink.
func (j *JSONLines) PublishSummary(_ context.Context, s model.Summary) error {
	return j.write(Line{Kind: KindSummary, SessionID: s.SessionID, Data: s})
}

func (j *JSONLines) write(l Line) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(l)
}
