// Package steps provides the executors that perform pipeline work. Each
// production step is carried out by an external collaborator service; the
// HTTP executor here is the contract between the engine and those services.
package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
	"github.com/basket/showrunner/internal/worker"
)

// stepRequest is what the collaborator receives. ResumeFrom is the first
// unfinished sub-unit; a fresh run sends 1.
type stepRequest struct {
	TaskID     string `json:"task_id"`
	ChannelID  string `json:"channel_id"`
	Step       string `json:"step"`
	Title      string `json:"title"`
	ResumeFrom int    `json:"resume_from"`
	InputRef   string `json:"input_ref,omitempty"`
}

// stepResponse is the collaborator's report. A non-2xx status or
// Error != "" marks the attempt failed; Retryable distinguishes transient
// infrastructure trouble from work that will never succeed.
type stepResponse struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	OutputRef string `json:"output_ref"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HTTPExecutor runs one step by delegating to a collaborator service.
type HTTPExecutor struct {
	step   pipeline.Step
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPExecutor(step pipeline.Step, url string, timeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &HTTPExecutor{
		step:   step,
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Execute posts the step request and translates the collaborator's report
// into a StepResult. Saved progress is resumed, not redone.
func (e *HTTPExecutor) Execute(ctx context.Context, task *persistence.Task, progress persistence.StepProgress) (worker.StepResult, error) {
	req := stepRequest{
		TaskID:     task.ID,
		ChannelID:  task.ChannelID,
		Step:       string(e.step.ID),
		Title:      task.Title,
		ResumeFrom: progress.Completed + 1,
		InputRef:   inputRef(task, e.step),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return zeroResult(progress), worker.Permanent(fmt.Errorf("encode step request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return zeroResult(progress), worker.Permanent(fmt.Errorf("build step request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return zeroResult(progress), fmt.Errorf("step %s request: %w", e.step.ID, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return zeroResult(progress), fmt.Errorf("read step response: %w", err)
	}

	var resp stepResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return zeroResult(progress), fmt.Errorf("decode step response: %w", err)
		}
	}
	result := worker.StepResult{
		Completed: resp.Completed,
		Total:     resp.Total,
		OutputRef: resp.OutputRef,
	}
	if result.Completed < progress.Completed {
		result.Completed = progress.Completed
	}
	if result.Total == 0 {
		result.Total = e.step.EstUnits
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 && resp.Error == "":
		return result, nil
	case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500:
		return result, worker.Permanent(fmt.Errorf("step %s rejected (%d): %s", e.step.ID, httpResp.StatusCode, resp.Error))
	case resp.Error != "" && !resp.Retryable:
		return result, worker.Permanent(fmt.Errorf("step %s failed: %s", e.step.ID, resp.Error))
	default:
		return result, fmt.Errorf("step %s failed (%d): %s", e.step.ID, httpResp.StatusCode, resp.Error)
	}
}

func zeroResult(progress persistence.StepProgress) worker.StepResult {
	return worker.StepResult{
		Completed: progress.Completed,
		Total:     progress.Total,
		OutputRef: progress.OutputRef,
	}
}

// inputRef hands the collaborator the previous step's artifact when a
// progress record still holds it; otherwise collaborators resolve artifacts
// by task ID.
func inputRef(task *persistence.Task, step pipeline.Step) string {
	var prev pipeline.StepID
	for i, st := range pipeline.Steps {
		if st.ID == step.ID && i > 0 {
			prev = pipeline.Steps[i-1].ID
		}
	}
	if prev == "" {
		return ""
	}
	if p, ok := task.Progress[prev]; ok {
		return p.OutputRef
	}
	return ""
}
