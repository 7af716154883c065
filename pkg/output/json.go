package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// JSONHandler writes newline-delimited JSON events
type JSONHandler struct {
	nopCloser
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONHandler(w io.Writer) *JSONHandler {
	return &JSONHandler{enc: json.NewEncoder(w)}
}

func (h *JSONHandler) Emit(ctx context.Context, event CycleEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enc.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

func (h *JSONHandler) Format() string {
	return "json"
}
