package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxVerdictBytes = 64 << 10

// HTTPEvaluator asks an external QC service for a verdict:
//
//	POST <url> {"run_id","run_code","step_index","node_id","transition"}
//	200 {"status":"clear"|"blocked","reason":"..."}
type HTTPEvaluator struct {
	URL    string
	Client *http.Client
}

type verdictResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (e *HTTPEvaluator) CheckStep(ctx context.Context, check Check) (Verdict, error) {
	body, err := json.Marshal(check)
	if err != nil {
		return Verdict{}, fmt.Errorf("encode guard check: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("guard request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("guard request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxVerdictBytes))
	if err != nil {
		return Verdict{}, fmt.Errorf("read guard response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("guard service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out verdictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Verdict{}, fmt.Errorf("decode guard response: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(out.Status)) {
	case "clear":
		return Clear(), nil
	case "blocked":
		return Blocked(out.Reason), nil
	default:
		return Verdict{}, fmt.Errorf("guard service returned unknown status %q", out.Status)
	}
}
