package pipeline

// StepID identifies one pipeline step. Step progress records are keyed by it.
type StepID string

const (
	StepOutline  StepID = "outline"
	StepScript   StepID = "script"
	StepImages   StepID = "images"
	StepVoice    StepID = "voice"
	StepVideo    StepID = "video"
	StepAssemble StepID = "assemble"
	StepUpload   StepID = "upload"
)

// Metered external resources. A step with an empty Resource is free: it is
// admitted without a quota check and records no usage.
const (
	ResourceLLM    = "llm"
	ResourceImage  = "image"
	ResourceTTS    = "tts"
	ResourceVideo  = "video"
	ResourceUpload = "upload"
)

// Step describes one pipeline step: the claimable status a worker picks it
// up from, the running status that marks the claim, the status reached on
// success, and the quota accounting parameters for its external resource.
//
// EstUnits is the admission-time estimate of sub-units a fresh run will
// consume (e.g. 22 storyboard images, 18 video clips); a resumed run only
// projects the remaining sub-units.
type Step struct {
	ID        StepID
	Claimable Status
	Running   Status
	Done      Status
	Gated     bool
	Resource  string
	UnitCost  int64
	EstUnits  int
}

// Steps lists the pipeline in execution order.
var Steps = []Step{
	{ID: StepOutline, Claimable: StatusPending, Running: StatusOutlineRunning, Done: StatusOutlined},
	{ID: StepScript, Claimable: StatusOutlined, Running: StatusScriptRunning, Done: StatusScriptReady, Gated: true, Resource: ResourceLLM, UnitCost: 1, EstUnits: 1},
	{ID: StepImages, Claimable: StatusScriptApproved, Running: StatusImagesRunning, Done: StatusImagesReady, Gated: true, Resource: ResourceImage, UnitCost: 1, EstUnits: 22},
	{ID: StepVoice, Claimable: StatusImagesApproved, Running: StatusVoiceRunning, Done: StatusVoiceReady, Gated: true, Resource: ResourceTTS, UnitCost: 1, EstUnits: 1},
	{ID: StepVideo, Claimable: StatusVoiceApproved, Running: StatusVideoRunning, Done: StatusVideoReady, Gated: true, Resource: ResourceVideo, UnitCost: 2, EstUnits: 18},
	{ID: StepAssemble, Claimable: StatusVideoApproved, Running: StatusAssembling, Done: StatusAssembled},
	{ID: StepUpload, Claimable: StatusAssembled, Running: StatusUploading, Done: StatusPublished, Resource: ResourceUpload, UnitCost: 1, EstUnits: 1},
}

// Fixed gate tables: approval re-admits the task into the claim pool for the
// next step; rejection parks it in the step's error status for manual retry.
var (
	approvedByGate = map[Status]Status{
		StatusScriptReady: StatusScriptApproved,
		StatusImagesReady: StatusImagesApproved,
		StatusVoiceReady:  StatusVoiceApproved,
		StatusVideoReady:  StatusVideoApproved,
	}
	rejectedByGate = map[Status]Status{
		StatusScriptReady: StatusScriptError,
		StatusImagesReady: StatusImagesError,
		StatusVoiceReady:  StatusVoiceError,
		StatusVideoReady:  StatusVideoError,
	}
	retryByError = map[Status]Status{
		StatusScriptError: StatusOutlined,
		StatusImagesError: StatusScriptApproved,
		StatusVoiceError:  StatusImagesApproved,
		StatusVideoError:  StatusVoiceApproved,
	}
)

// GateStatuses lists the four mandatory review gates in pipeline order.
var GateStatuses = []Status{StatusScriptReady, StatusImagesReady, StatusVoiceReady, StatusVideoReady}

// ClaimableStatuses lists every "awaiting work" status, in pipeline order.
// Candidate ordering for claims is computed over tasks in these statuses.
var ClaimableStatuses = []Status{
	StatusPending, StatusOutlined,
	StatusScriptApproved, StatusImagesApproved, StatusVoiceApproved, StatusVideoApproved,
	StatusAssembled,
}

// CheckpointStatuses are optional checkpoints the worker auto-advances
// through without waiting for review.
var CheckpointStatuses = []Status{StatusOutlined, StatusAssembled}

// StepForClaimable resolves the step that runs when a task in status s is claimed.
func StepForClaimable(s Status) (Step, bool) {
	for _, st := range Steps {
		if st.Claimable == s {
			return st, true
		}
	}
	return Step{}, false
}

// StepForRunning resolves the step a task in running status s is executing.
func StepForRunning(s Status) (Step, bool) {
	for _, st := range Steps {
		if st.Running == s {
			return st, true
		}
	}
	return Step{}, false
}

// StepByID looks a step up by identifier.
func StepByID(id StepID) (Step, bool) {
	for _, st := range Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// ResourceFor maps a claimable status to the metered resource the next step
// needs, or "" when the step is free. The mapping is fixed, never per-task.
func ResourceFor(claimable Status) string {
	if st, ok := StepForClaimable(claimable); ok {
		return st.Resource
	}
	return ""
}

// IsGate reports whether s is a mandatory review gate.
func IsGate(s Status) bool {
	_, ok := approvedByGate[s]
	return ok
}

// IsClaimable reports whether a task in status s may be handed to a worker.
func IsClaimable(s Status) bool {
	_, ok := StepForClaimable(s)
	return ok
}

// IsCheckpoint reports whether s is an optional checkpoint status.
func IsCheckpoint(s Status) bool {
	for _, c := range CheckpointStatuses {
		if c == s {
			return true
		}
	}
	return false
}

// ApprovedStatus maps a gate to the status an approval signal produces.
func ApprovedStatus(gate Status) (Status, bool) {
	to, ok := approvedByGate[gate]
	return to, ok
}

// RejectedStatus maps a gate to the error status a rejection signal produces.
func RejectedStatus(gate Status) (Status, bool) {
	to, ok := rejectedByGate[gate]
	return to, ok
}

// RetryStatus maps an error status to the claimable status that re-runs the
// failed step when an operator re-queues the task.
func RetryStatus(errStatus Status) (Status, bool) {
	to, ok := retryByError[errStatus]
	return to, ok
}
