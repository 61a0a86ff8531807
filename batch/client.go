// ABOUTME: Batch job client wrapping the OpenAI files/batches API: upload, poll, download, cancel.
// ABOUTME: Defines the Client interface the pipeline drives and the openai-go backed implementation.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Job status strings reported by Status. These mirror the external API's
// batch states; the pipeline only branches on Completed and Failed and
// treats everything else as still in flight.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusInProgress = "in_progress"
)

// RequestCounts summarizes per-request progress of a batch job.
type RequestCounts struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// JobStatus is one poll result. Error carries the raw API error payload when
// the job failed hard; it is preserved verbatim for diagnosis.
type JobStatus struct {
	Status string          `json:"status"`
	Counts RequestCounts   `json:"counts"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Client is the external batch API surface the pipeline depends on.
// Upload is not idempotent: submitting the same file twice creates two jobs,
// so callers must not call it twice for the same logical step.
type Client interface {
	// Upload submits a newline-delimited JSON request file and returns the
	// opaque job id.
	Upload(ctx context.Context, path string) (string, error)

	// Status polls the job without blocking. Safe to call repeatedly.
	Status(ctx context.Context, jobID string) (*JobStatus, error)

	// Download writes the raw newline-delimited results of a completed job
	// verbatim to destPath.
	Download(ctx context.Context, jobID, destPath string) error

	// Cancel requests cancellation of an in-flight job. The pipeline never
	// calls this automatically; it exists for out-of-band admin use.
	Cancel(ctx context.Context, jobID string) error
}

// OpenAIClient implements Client against the OpenAI batch API using the
// official SDK.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient builds a client from an API key. An empty baseURL uses the
// public endpoint; set it to point at a compatible gateway.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

// Upload pushes the batch file with purpose=batch and creates a 24h batch
// job against the chat completions endpoint.
func (c *OpenAIClient) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()

	file, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(f, filepath.Base(path), "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	job, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      file.ID,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return "", fmt.Errorf("create batch job: %w", err)
	}
	return job.ID, nil
}

// Status retrieves the job and maps it into a JobStatus. A failed job
// carries the API's error list as the raw payload.
func (c *OpenAIClient) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := c.client.Batches.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retrieve batch job %s: %w", jobID, err)
	}

	status := &JobStatus{
		Status: string(job.Status),
		Counts: RequestCounts{
			Completed: job.RequestCounts.Completed,
			Failed:    job.RequestCounts.Failed,
			Total:     job.RequestCounts.Total,
		},
	}
	if job.Status == openai.BatchStatusFailed {
		raw, merr := json.Marshal(job.Errors)
		if merr == nil {
			status.Error = raw
		}
	}
	return status, nil
}

// Download fetches the output file of a completed job and writes it to
// destPath unmodified.
func (c *OpenAIClient) Download(ctx context.Context, jobID, destPath string) error {
	job, err := c.client.Batches.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("retrieve batch job %s: %w", jobID, err)
	}
	if job.OutputFileID == "" {
		return fmt.Errorf("batch job %s has no output file (status %s)", jobID, job.Status)
	}

	resp, err := c.client.Files.Content(ctx, job.OutputFileID)
	if err != nil {
		return fmt.Errorf("download results for %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write results file: %w", err)
	}
	return nil
}

// Cancel asks the API to cancel an in-flight job.
func (c *OpenAIClient) Cancel(ctx context.Context, jobID string) error {
	if _, err := c.client.Batches.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel batch job %s: %w", jobID, err)
	}
	return nil
}
