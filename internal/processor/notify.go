package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jo-hoe/bookforge/internal/common"
	"github.com/jo-hoe/bookforge/internal/jobs"
)

// Notifier posts a job's final status as JSON to a caller-supplied URL.
type Notifier struct {
	Client   *http.Client
	Attempts uint
	Delay    time.Duration
}

func NewNotifier(timeout time.Duration, attempts uint, delay time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if attempts == 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Notifier{Client: &http.Client{Timeout: timeout}, Attempts: attempts, Delay: delay}
}

type callbackPayload struct {
	JobID      string  `json:"job_id"`
	ProjectID  string  `json:"project_id"`
	Status     string  `json:"status"` // succeeded|failed
	Progress   int     `json:"progress"`
	ResultPath *string `json:"result_path,omitempty"`
	ErrorCode  *string `json:"error_code,omitempty"`
	Error      *string `json:"error,omitempty"`
}

func (n *Notifier) Notify(ctx context.Context, url string, job *jobs.Job) error {
	b, err := json.Marshal(callbackPayload{
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		Status:     string(job.State),
		Progress:   job.Progress,
		ResultPath: job.ResultPath,
		ErrorCode:  job.ErrorCode,
		Error:      job.ErrorMessage,
	})
	if err != nil {
		return err
	}
	return retry.Do(
		func() error { return n.post(ctx, url, b) },
		retry.Context(ctx),
		retry.Attempts(n.Attempts),
		retry.Delay(n.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Unrecoverable(fmt.Errorf("callback status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
