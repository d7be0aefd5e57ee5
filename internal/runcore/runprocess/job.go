// Package runprocess implements the per-run supervised actor (RunProcess):
// it submits a Job to the external gateway, consumes the gateway's event
// stream, synthesises missing completion signals, and feeds the stream and
// tool-status coalescers.
package runprocess

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/policy"
)

// QueueMode selects how a submitted prompt interacts with a session's
// in-flight run.
type QueueMode string

const (
	QueueCollect      QueueMode = "collect"
	QueueFollowup     QueueMode = "followup"
	QueueSteer        QueueMode = "steer"
	QueueSteerBacklog QueueMode = "steer_backlog"
	QueueInterrupt    QueueMode = "interrupt"
)

// NormalizeQueueMode lower-cases and validates s against the allowed set,
// defaulting to fallback for unknown strings.
func NormalizeQueueMode(s string, fallback QueueMode) QueueMode {
	mode := QueueMode(strings.ToLower(strings.TrimSpace(s)))
	switch mode {
	case QueueCollect, QueueFollowup, QueueSteer, QueueSteerBacklog, QueueInterrupt:
		return mode
	default:
		return fallback
	}
}

// Origin enumerates where a RunRequest came from.
type Origin string

const (
	OriginChannel      Origin = "channel"
	OriginControlPlane Origin = "control_plane"
	OriginCron         Origin = "cron"
	OriginNode         Origin = "node"
)

// ResumeToken is an engine-specific opaque handle letting a run continue a
// prior conversation.
type ResumeToken struct {
	Engine string
	Value  string
}

// RunRequest is the input to RunOrchestrator.Submit.
type RunRequest struct {
	Origin     Origin
	SessionKey string
	AgentID    string
	Prompt     string
	QueueMode  QueueMode
	EngineID   string
	Cwd        string
	ToolPolicy policy.Policy
	Meta       map[string]interface{}
}

// Job is the output of the orchestrator and the input to the gateway.
type Job struct {
	RunID      string
	SessionKey string
	Prompt     string
	EngineID   string
	Cwd        string
	Resume     *ResumeToken
	QueueMode  QueueMode
	Lane       string
	ToolPolicy policy.Policy
	Meta       JobMeta
}

// JobMeta carries channel/delivery routing context threaded through from
// RunRequest.Meta plus orchestrator-resolved fields. ProgressMsgID,
// StatusMsgID, and UserMsgID seed the coalescers' delivery meta so the
// first outbound payload of a run can already reply to the user's message
// and edit pre-existing progress/status messages.
type JobMeta struct {
	Origin        Origin
	AgentID       string
	ThinkingLevel string
	Model         string
	SystemPrompt  string
	ChannelID     string
	ContextWindow int // per-agent/model window from the profile; 0 = unknown
	Peer          map[string]interface{}
	ProgressMsgID string
	StatusMsgID   string
	UserMsgID     string
	FanoutRoutes  []map[string]interface{}
	Extra         map[string]interface{}
}

// Usage mirrors token accounting used for preemptive-compaction decisions.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// MediaResult mirrors one generated/attached media file a run produced,
// kept as runprocess's own minimal type (not importing agent/providers)
// the same way Usage does.
type MediaResult struct {
	Path        string
	ContentType string
	AsVoice     bool
}

// ActionKind enumerates the kinds of tool-status actions.
type ActionKind string

const (
	ActionTool       ActionKind = "tool"
	ActionCommand    ActionKind = "command"
	ActionFileChange ActionKind = "file_change"
	ActionWebSearch  ActionKind = "web_search"
	ActionSubagent   ActionKind = "subagent"
	ActionNote       ActionKind = "note" // filtered before ingestion
)

// ActionPhase enumerates an action's lifecycle phase.
type ActionPhase string

const (
	PhaseStarted   ActionPhase = "started"
	PhaseUpdated   ActionPhase = "updated"
	PhaseCompleted ActionPhase = "completed"
)

// ActionRecord is one tool-call lifecycle record as seen by the
// ToolStatusCoalescer.
type ActionRecord struct {
	ID           string
	Kind         ActionKind
	Title        string
	Phase        ActionPhase
	OK           *bool
	Detail       map[string]interface{}
	CallerEngine string
}

// RunState is the state owned by exactly one RunProcess for the lifetime of
// a run.
type RunState struct {
	RunID      string
	SessionKey string
	Job        Job
	StartTSMs  int64

	Aborted   bool
	Completed bool
	SawDelta  bool

	SessionRegistered      bool
	PendingRunStartedEvent *DeltaOrActionEnvelope
	RegisterRetryMs        int

	GatewaySubmitted     bool
	GatewaySubmitAttempt int
	GatewayRunPID        string
	GatewayRunRef        string

	GeneratedImagePaths []string
	RequestedSendFiles  []SendFileRequest
}

// SendFileRequest is an auto_send_files entry tracked from tool-result
// metadata.
type SendFileRequest struct {
	Path     string
	Caption  string
	Filename string
}

// DeltaOrActionEnvelope stashes a run_started event (or any event arriving
// before SessionRegistry registration completes) for later re-broadcast.
type DeltaOrActionEnvelope struct {
	Name      string
	Payload   interface{}
	Timestamp time.Time
}

func nowMs() int64 { return time.Now().UnixMilli() }
