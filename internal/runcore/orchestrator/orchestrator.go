// Package orchestrator implements RunOrchestrator.Submit: the admission
// pipeline that turns a RunRequest into a running RunProcess, resolving
// agent profile, tool policy, cwd, resume token, and engine before the
// Job is built.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/policy"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/registry"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/sessionkey"
)

// ErrUnknownAgent is returned when agent_id has no configured profile and no
// fallback default.
var ErrUnknownAgent = errors.New("orchestrator: unknown_agent_id")

// ErrRunCapacityReached is returned when the concurrent-run bound is hit.
var ErrRunCapacityReached = errors.New("orchestrator: run_capacity_reached")

// AgentProfile is the resolved agent-level configuration the orchestrator
// layers onto a run.
type AgentProfile struct {
	AgentID       string
	Model         string
	DefaultEngine string
	SystemPrompt  string
	ContextWindow int // per-agent/model context window; 0 = unknown
	ToolPolicy    policy.Policy
}

// ProfileStore resolves agent profiles. nil AgentProfile + ok=false means
// "no such agent and no default fallback", surfaced as ErrUnknownAgent.
type ProfileStore interface {
	AgentProfile(ctx context.Context, agentID string) (AgentProfile, bool, error)
}

// EngineRegistry answers whether a string names a registered engine, used
// to decide if a "model" string should be treated as an engine id.
type EngineRegistry interface {
	IsEngine(id string) bool
}

// Config bundles the orchestrator's admission-control knobs.
type Config struct {
	MaxConcurrentRuns int // 0 = unlimited; default 500
}

// DefaultConfig returns the production admission bound.
func DefaultConfig() Config {
	return Config{MaxConcurrentRuns: 500}
}

// Deps bundles collaborators the orchestrator wires into each spawned
// RunProcess.
type Deps struct {
	Bus             *bus.Bus
	SessionRegistry *registry.SessionRegistry
	RunRegistry     *registry.RunRegistry
	Gateway         runprocess.Gateway
	Stream          runprocess.StreamIngestor
	ToolStatus      runprocess.ToolStatusIngestor
	Compaction      runprocess.CompactionMarker
	ResumeCleaner   runprocess.ResumeStateCleaner
	Profiles        ProfileStore
	Policies        policy.Store
	Engines         EngineRegistry
}

// RunOrchestrator is the admission pipeline.
type RunOrchestrator struct {
	deps   Deps
	cfg    Config
	runCfg runprocess.Config
}

// New constructs a RunOrchestrator.
func New(deps Deps, cfg Config, runCfg runprocess.Config) *RunOrchestrator {
	return &RunOrchestrator{deps: deps, cfg: cfg, runCfg: runCfg}
}

// resumeLinePattern matches a strict resume line a CLI front-end emits
// when continuing a prior conversation, e.g. "/resume codex abc123".
// Lines matching this are stripped from the prompt once their resume
// token has been extracted.
var resumeLinePattern = regexp.MustCompile(`(?m)^\s*/resume\s+(\S+)\s+(\S+)\s*$`)

func extractResumeToken(text string) (*runprocess.ResumeToken, string) {
	m := resumeLinePattern.FindStringSubmatch(text)
	if m == nil {
		return nil, text
	}
	stripped := strings.TrimSpace(resumeLinePattern.ReplaceAllString(text, ""))
	return &runprocess.ResumeToken{Engine: m[1], Value: m[2]}, stripped
}

// Submit runs the full admission pipeline and, on success, starts a
// RunProcess and returns its run_id.
func (o *RunOrchestrator) Submit(ctx context.Context, req runprocess.RunRequest) (string, error) {
	agentID := req.AgentID
	if agentID == "" {
		if id, err := sessionkey.AgentID(req.SessionKey); err == nil && id != "" {
			agentID = id
		}
	}
	if agentID == "" {
		agentID = "default"
	}

	queueMode := runprocess.NormalizeQueueMode(string(req.QueueMode), runprocess.QueueCollect)
	runID := uuid.NewString()

	profile, ok, err := o.deps.Profiles.AgentProfile(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve agent profile: %w", err)
	}
	if !ok {
		return "", ErrUnknownAgent
	}

	basePolicy := policy.ResolveForRun(o.deps.Policies, policy.RunContext{
		AgentID:    agentID,
		SessionKey: req.SessionKey,
		Origin:     string(req.Origin),
	})
	resolvedPolicy := policy.Merge(basePolicy, profile.ToolPolicy)
	if len(req.ToolPolicy) > 0 {
		resolvedPolicy = policy.Merge(resolvedPolicy, req.ToolPolicy)
	}

	cwd := resolveCwd(req)

	resume, prompt := extractResumeToken(req.Prompt)
	if resume == nil {
		if replyText, _ := req.Meta["reply_to_text"].(string); replyText != "" {
			if r, _ := extractResumeToken(replyText); r != nil {
				resume = r
			}
		}
	}
	if strings.TrimSpace(prompt) == "" && resume != nil {
		prompt = "Continue."
	}

	if voice, _ := req.Meta["voice_transcribed"].(bool); voice {
		prompt = "(voice transcribed) " + prompt
	}

	engineID := o.resolveEngineID(resume, req.EngineID, req.Meta, profile)

	channelID, _ := req.Meta["channel_id"].(string)
	systemPrompt := profile.SystemPrompt
	model := profile.Model
	if m, _ := req.Meta["model"].(string); m != "" {
		model = m
	}

	job := runprocess.Job{
		RunID:      runID,
		SessionKey: req.SessionKey,
		Prompt:     prompt,
		EngineID:   engineID,
		Cwd:        cwd,
		Resume:     resume,
		QueueMode:  queueMode,
		ToolPolicy: resolvedPolicy,
		Meta: runprocess.JobMeta{
			Origin:        req.Origin,
			AgentID:       agentID,
			Model:         model,
			SystemPrompt:  systemPrompt,
			ChannelID:     channelID,
			ContextWindow: profile.ContextWindow,
			UserMsgID:     metaString(req.Meta, "user_msg_id"),
			ProgressMsgID: metaString(req.Meta, "progress_msg_id"),
			StatusMsgID:   metaString(req.Meta, "status_msg_id"),
			Extra:         req.Meta,
		},
	}

	if o.cfg.MaxConcurrentRuns > 0 && o.deps.RunRegistry.Count() >= o.cfg.MaxConcurrentRuns {
		return "", ErrRunCapacityReached
	}

	rp := runprocess.New(job, o.runCfg, runprocess.Deps{
		Bus:              o.deps.Bus,
		SessionRegistry:  o.deps.SessionRegistry,
		RunRegistry:      o.deps.RunRegistry,
		Gateway:          o.deps.Gateway,
		Stream:           o.deps.Stream,
		ToolStatus:       o.deps.ToolStatus,
		CompactionMarker: o.deps.Compaction,
		ResumeCleaner:    o.deps.ResumeCleaner,
	})
	rp.Start(ctx)

	return runID, nil
}

func metaString(meta map[string]interface{}, key string) string {
	s, _ := meta[key].(string)
	return s
}

func resolveCwd(req runprocess.RunRequest) string {
	if req.Cwd != "" {
		return filepath.Clean(req.Cwd)
	}
	if c, _ := req.Meta["cwd"].(string); c != "" {
		return filepath.Clean(strings.TrimSpace(c))
	}
	return ""
}

// resolveEngineID applies the priority order: resume token's engine >
// explicit engine_id > model-as-engine > profile default.
func (o *RunOrchestrator) resolveEngineID(resume *runprocess.ResumeToken, explicit string, meta map[string]interface{}, profile AgentProfile) string {
	if resume != nil && resume.Engine != "" {
		return resume.Engine
	}
	if explicit != "" {
		return explicit
	}
	if model, _ := meta["model"].(string); model != "" {
		if prefix, _, ok := strings.Cut(model, ":"); ok && o.deps.Engines != nil && o.deps.Engines.IsEngine(prefix) {
			return prefix
		}
	}
	return profile.DefaultEngine
}
