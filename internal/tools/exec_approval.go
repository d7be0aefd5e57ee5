package tools

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/approvals"
)

// ExecSecurity is the baseline posture applied before any interactive ask.
type ExecSecurity string

const (
	ExecSecurityDeny      ExecSecurity = "deny"      // every command denied
	ExecSecurityAllowlist ExecSecurity = "allowlist" // only glob-matched commands pass
	ExecSecurityFull      ExecSecurity = "full"      // no baseline restriction
)

// ExecAskMode controls when a command additionally needs interactive
// approval through the approvals.Gate.
type ExecAskMode string

const (
	ExecAskOff    ExecAskMode = "off"     // never ask
	ExecAskOnMiss ExecAskMode = "on-miss" // ask only when the allowlist doesn't match
	ExecAskAlways ExecAskMode = "always"  // ask for every command
)

// ExecApprovalConfig mirrors internal/config.ExecApprovalCfg with its
// defaults resolved.
type ExecApprovalConfig struct {
	Security  ExecSecurity
	Ask       ExecAskMode
	Allowlist []string
}

// DefaultExecApprovalConfig matches config_channels.go's documented
// defaults: full access, no interactive ask.
func DefaultExecApprovalConfig() ExecApprovalConfig {
	return ExecApprovalConfig{Security: ExecSecurityFull, Ask: ExecAskOff}
}

// ApprovalDecision is the caller-facing verdict for one exec call.
type ApprovalDecision string

const (
	ApprovalAllow ApprovalDecision = "allow"
	ApprovalDeny  ApprovalDecision = "deny"
)

// ApprovalAware is implemented by tools that can have an approval manager
// wired in after construction (cmd/gateway.go's tool-registry wiring pass).
type ApprovalAware interface {
	SetApprovalManager(mgr *ExecApprovalManager, agentID string)
}

// ExecApprovalManager is the exec tool's command-level gatekeeper: a fast
// local allowlist/denylist check, falling through to the shared
// approvals.Gate for interactive decisions. It keeps ExecTool's
// CheckCommand-then-RequestApproval call shape (internal/tools/shell.go)
// but backs the interactive path with internal/runcore/approvals.
type ExecApprovalManager struct {
	cfg  ExecApprovalConfig
	gate *approvals.Gate
}

// NewExecApprovalManager constructs a manager with no interactive gate
// wired; RequestApproval denies outright if Ask would otherwise fire.
// Use NewExecApprovalManagerWithGate to enable interactive "ask" handling.
func NewExecApprovalManager(cfg ExecApprovalConfig) *ExecApprovalManager {
	return &ExecApprovalManager{cfg: cfg}
}

// NewExecApprovalManagerWithGate wires the shared approvals.Gate so "ask"
// decisions prompt interactively instead of failing closed.
func NewExecApprovalManagerWithGate(cfg ExecApprovalConfig, gate *approvals.Gate) *ExecApprovalManager {
	return &ExecApprovalManager{cfg: cfg, gate: gate}
}

// CheckCommand returns "deny", "allow", or "ask" for command, applying the
// security baseline and allowlist before deciding whether an interactive
// ask is still required per Ask mode.
func (m *ExecApprovalManager) CheckCommand(command string) string {
	switch m.cfg.Security {
	case ExecSecurityDeny:
		return "deny"
	case ExecSecurityAllowlist:
		if m.matchesAllowlist(command) {
			if m.cfg.Ask == ExecAskAlways {
				return "ask"
			}
			return "allow"
		}
		if m.cfg.Ask == ExecAskOff {
			return "deny"
		}
		return "ask"
	default: // ExecSecurityFull
		if m.cfg.Ask == ExecAskAlways {
			return "ask"
		}
		if m.cfg.Ask == ExecAskOnMiss && !m.matchesAllowlist(command) {
			return "ask"
		}
		return "allow"
	}
}

func (m *ExecApprovalManager) matchesAllowlist(command string) bool {
	trimmed := strings.TrimSpace(command)
	for _, pattern := range m.cfg.Allowlist {
		if ok, err := path.Match(pattern, trimmed); err == nil && ok {
			return true
		}
		if strings.HasPrefix(trimmed, strings.TrimSuffix(pattern, "*")) && strings.HasSuffix(pattern, "*") {
			return true
		}
	}
	return false
}

// RequestApproval blocks on the shared approvals.Gate for an interactive
// decision. The scope a human picks when resolving (once/session/agent/...)
// is carried by the Gate, not this call; RequestApproval only supplies the
// identity (command + agent) the decision is keyed on.
func (m *ExecApprovalManager) RequestApproval(command, agentID string, timeout time.Duration) (ApprovalDecision, error) {
	if m.gate == nil {
		return ApprovalDeny, nil
	}
	decision, err := m.gate.Request(context.Background(), approvals.Request{
		Tool:    "exec",
		Action:  approvals.Action{Kind: "exec", Target: command},
		AgentID: agentID,
		Timeout: timeout,
	})
	if err != nil {
		return ApprovalDeny, err
	}
	if decision == approvals.DecisionAllow {
		return ApprovalAllow, nil
	}
	return ApprovalDeny, nil
}
