package notion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/showrunner/internal/bus"
	"github.com/basket/showrunner/internal/pipeline"
)

// displayStatus maps internal statuses to the coarser names planners see on
// the page. Running statuses collapse into one in-progress label; unmapped
// statuses are not mirrored.
var displayStatus = map[pipeline.Status]string{
	pipeline.StatusPending:        "Queued",
	pipeline.StatusOutlineRunning: "In Progress",
	pipeline.StatusOutlined:       "In Progress",
	pipeline.StatusScriptRunning:  "In Progress",
	pipeline.StatusScriptReady:    "Review: Script",
	pipeline.StatusScriptError:    "Needs Attention",
	pipeline.StatusImagesRunning:  "In Progress",
	pipeline.StatusImagesReady:    "Review: Images",
	pipeline.StatusImagesError:    "Needs Attention",
	pipeline.StatusVoiceRunning:   "In Progress",
	pipeline.StatusVoiceReady:     "Review: Voice",
	pipeline.StatusVoiceError:     "Needs Attention",
	pipeline.StatusVideoRunning:   "In Progress",
	pipeline.StatusVideoReady:     "Review: Video",
	pipeline.StatusVideoError:     "Needs Attention",
	pipeline.StatusAssembling:     "In Progress",
	pipeline.StatusAssembled:      "In Progress",
	pipeline.StatusUploading:      "In Progress",
	pipeline.StatusPublished:      "Published",
	pipeline.StatusCancelled:      "Cancelled",
}

// StatusMirror pushes task status changes back to the planning page. The
// mirror is best effort: a change that cannot be delivered after bounded
// retries is dropped with a log line, never blocking the pipeline.
type StatusMirror struct {
	client *Client
	bus    *bus.Bus
	logger *slog.Logger
}

func NewStatusMirror(client *Client, eventBus *bus.Bus, logger *slog.Logger) *StatusMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusMirror{client: client, bus: eventBus, logger: logger}
}

// Start subscribes to state changes and mirrors them until the context ends.
func (m *StatusMirror) Start(ctx context.Context) {
	sub := m.bus.Subscribe(bus.TopicTaskStateChanged)
	go func() {
		defer m.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				change, ok := ev.Payload.(bus.TaskStateChanged)
				if !ok {
					continue
				}
				m.mirror(ctx, change)
			}
		}
	}()
}

func (m *StatusMirror) mirror(ctx context.Context, change bus.TaskStateChanged) {
	if change.PageRef == "" {
		return
	}
	display, ok := displayStatus[pipeline.Status(change.NewStatus)]
	if !ok {
		return
	}

	op := func() (struct{}, error) {
		err := m.client.SetStatus(ctx, change.PageRef, display)
		if err == nil {
			return struct{}{}, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
		backoff.WithMaxElapsedTime(2*time.Minute),
	)
	if err != nil {
		m.logger.Warn("status mirror dropped",
			"task_id", change.TaskID,
			"page_ref", change.PageRef,
			"status", change.NewStatus,
			"error", err,
		)
		return
	}
	m.logger.Debug("status mirrored",
		"task_id", change.TaskID, "page_ref", change.PageRef, "display", display)
}
