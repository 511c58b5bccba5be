// Package callback delivers best-effort completion notifications. A failed
// delivery is logged by the caller and never fails the job.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Payload is the completion notification body.
type Payload struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	OutputPath    string `json:"output_path,omitempty"`
	DownloadURI   string `json:"download_uri,omitempty"`
	ResultMessage string `json:"result_message,omitempty"`
	TimestampUTC  string `json:"timestamp_utc"`
}

// Notifier posts completion payloads to caller-supplied URIs.
type Notifier struct {
	client *http.Client
}

// NewNotifier constructs a notifier with the given per-delivery timeout.
func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{client: &http.Client{Timeout: timeout}}
}

// Notify posts the payload to uri. The timestamp is stamped here so every
// delivery carries the send time, not the job completion time.
func (n *Notifier) Notify(ctx context.Context, uri string, p Payload) error {
	p.TimestampUTC = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
