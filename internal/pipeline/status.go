// Package pipeline is the single source of truth for the production
// workflow: the closed status set, the legal transitions between statuses,
// the review gates, and the metadata of each pipeline step.
//
// Every status mutation anywhere in the system must be validated against
// ValidTransitions; a transition outside the table is a logic bug, not an
// environmental failure, and is surfaced as *InvalidTransitionError.
package pipeline

import "fmt"

// Status is the externally-visible workflow state of a task.
type Status string

const (
	// Initial state, set when a work item is ingested from the planning surface.
	StatusPending Status = "PENDING"

	// Outline step (cheap, unmetered). OUTLINED is an optional checkpoint:
	// the worker auto-advances through it without waiting for review.
	StatusOutlineRunning Status = "OUTLINE_RUNNING"
	StatusOutlined       Status = "OUTLINED"

	// Script step. SCRIPT_READY is a mandatory review gate.
	StatusScriptRunning  Status = "SCRIPT_RUNNING"
	StatusScriptReady    Status = "SCRIPT_READY"
	StatusScriptApproved Status = "SCRIPT_APPROVED"
	StatusScriptError    Status = "SCRIPT_ERROR"

	// Image generation step. IMAGES_READY is a mandatory review gate.
	StatusImagesRunning  Status = "IMAGES_RUNNING"
	StatusImagesReady    Status = "IMAGES_READY"
	StatusImagesApproved Status = "IMAGES_APPROVED"
	StatusImagesError    Status = "IMAGES_ERROR"

	// Voiceover synthesis step. VOICE_READY is a mandatory review gate.
	StatusVoiceRunning  Status = "VOICE_RUNNING"
	StatusVoiceReady    Status = "VOICE_READY"
	StatusVoiceApproved Status = "VOICE_APPROVED"
	StatusVoiceError    Status = "VOICE_ERROR"

	// Video clip rendering step. VIDEO_READY is a mandatory review gate.
	StatusVideoRunning  Status = "VIDEO_RUNNING"
	StatusVideoReady    Status = "VIDEO_READY"
	StatusVideoApproved Status = "VIDEO_APPROVED"
	StatusVideoError    Status = "VIDEO_ERROR"

	// Assembly step (cheap, unmetered). ASSEMBLED is an optional checkpoint.
	StatusAssembling Status = "ASSEMBLING"
	StatusAssembled  Status = "ASSEMBLED"

	// Final upload step and terminal states.
	StatusUploading Status = "UPLOADING"
	StatusPublished Status = "PUBLISHED"
	StatusCancelled Status = "CANCELLED"
)

// ValidTransitions is the fixed adjacency list of the status graph.
//
// Reverse edges from a running status back to its claimable status exist for
// race-condition releases (post-claim quota re-check) and crash recovery
// (expired lease requeue); they never lose step progress. Error statuses may
// be manually re-queued to the claimable status that re-runs the failed step.
var ValidTransitions = map[Status][]Status{
	StatusPending:        {StatusOutlineRunning, StatusCancelled},
	StatusOutlineRunning: {StatusOutlined, StatusPending, StatusCancelled},
	StatusOutlined:       {StatusScriptRunning, StatusCancelled},

	StatusScriptRunning:  {StatusScriptReady, StatusScriptError, StatusOutlined},
	StatusScriptReady:    {StatusScriptApproved, StatusScriptError, StatusCancelled},
	StatusScriptApproved: {StatusImagesRunning, StatusCancelled},
	StatusScriptError:    {StatusOutlined, StatusCancelled},

	StatusImagesRunning:  {StatusImagesReady, StatusImagesError, StatusScriptApproved},
	StatusImagesReady:    {StatusImagesApproved, StatusImagesError, StatusCancelled},
	StatusImagesApproved: {StatusVoiceRunning, StatusCancelled},
	StatusImagesError:    {StatusScriptApproved, StatusCancelled},

	StatusVoiceRunning:  {StatusVoiceReady, StatusVoiceError, StatusImagesApproved},
	StatusVoiceReady:    {StatusVoiceApproved, StatusVoiceError, StatusCancelled},
	StatusVoiceApproved: {StatusVideoRunning, StatusCancelled},
	StatusVoiceError:    {StatusImagesApproved, StatusCancelled},

	StatusVideoRunning:  {StatusVideoReady, StatusVideoError, StatusVoiceApproved},
	StatusVideoReady:    {StatusVideoApproved, StatusVideoError, StatusCancelled},
	StatusVideoApproved: {StatusAssembling, StatusCancelled},
	StatusVideoError:    {StatusVoiceApproved, StatusCancelled},

	StatusAssembling: {StatusAssembled, StatusVideoApproved},
	StatusAssembled:  {StatusUploading, StatusCancelled},
	StatusUploading:  {StatusPublished, StatusAssembled},

	StatusPublished: {},
	StatusCancelled: {},
}

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusPending,
	StatusOutlineRunning, StatusOutlined,
	StatusScriptRunning, StatusScriptReady, StatusScriptApproved, StatusScriptError,
	StatusImagesRunning, StatusImagesReady, StatusImagesApproved, StatusImagesError,
	StatusVoiceRunning, StatusVoiceReady, StatusVoiceApproved, StatusVoiceError,
	StatusVideoRunning, StatusVideoReady, StatusVideoApproved, StatusVideoError,
	StatusAssembling, StatusAssembled,
	StatusUploading, StatusPublished, StatusCancelled,
}

// CanTransition reports whether from -> to is in the fixed table.
func CanTransition(from, to Status) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func IsTerminal(s Status) bool {
	return len(ValidTransitions[s]) == 0
}

// IsKnown reports whether s belongs to the closed status set.
func IsKnown(s Status) bool {
	_, ok := ValidTransitions[s]
	return ok
}

// InvalidTransitionError marks an attempted transition outside the fixed
// table. It indicates a programming error, not a user-facing failure, and
// callers are expected to log it loudly rather than retry.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s (task %s)", e.From, e.To, e.TaskID)
}
