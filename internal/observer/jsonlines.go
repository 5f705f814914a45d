package observer

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// JSONLines writes one JSON event per line, the format the original bridge
// read from the instrumentation process.
type JSONLines struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewJSONLines writes to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w, enc: json.NewEncoder(w)}
}

func (j *JSONLines) Consume(_ context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(ev)
}

func (j *JSONLines) Flush(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
