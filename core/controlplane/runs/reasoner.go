package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPReasoner delegates planning to an external model endpoint. The
// endpoint receives the run and transcript and answers with a ReasonOutcome.
type HTTPReasoner struct {
	url   string
	httpc *http.Client
}

// NewHTTPReasoner points the orchestrator at a reasoner endpoint.
func NewHTTPReasoner(url string) *HTTPReasoner {
	return &HTTPReasoner{
		url:   url,
		httpc: &http.Client{Timeout: 2 * time.Minute},
	}
}

type reasonPayload struct {
	Run        *Run      `json:"run"`
	Transcript []Message `json:"transcript"`
}

// Reason performs one planning round trip.
func (r *HTTPReasoner) Reason(ctx context.Context, req ReasonRequest) (*ReasonOutcome, error) {
	body, err := json.Marshal(reasonPayload{Run: req.Run, Transcript: req.Transcript})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reasoner request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reasoner status %d: %s", resp.StatusCode, data)
	}
	var outcome ReasonOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, fmt.Errorf("decode reasoner outcome: %w", err)
	}
	return &outcome, nil
}
