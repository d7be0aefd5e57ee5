// Package approvals generalizes the exec-approval pipeline
// (internal/tools/shell.go's RequestApproval,
// internal/config/config_channels.go's ExecApprovalCfg) into a scoped
// consent gate usable by any tool action, not only shell commands.
package approvals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
)

// Scope is the breadth at which a consent decision is remembered.
type Scope string

const (
	ScopeOnce    Scope = "once"
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
	ScopeNode    Scope = "node"
	ScopeGlobal  Scope = "global"
)

// precedence lists scopes from broadest (checked first) to narrowest:
// global -> node -> agent -> session. First hit wins.
var precedence = []Scope{ScopeGlobal, ScopeNode, ScopeAgent, ScopeSession}

// Decision is the gate's verdict for an action.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// ErrApprovalTimeout is returned by Request when no resolution arrives
// before the deadline.
var ErrApprovalTimeout = errors.New("approvals: timed out waiting for decision")

// WildcardAction is the action_hash wildcard: a persisted decision under
// (scope, tool, WildcardAction) matches every action of that tool.
const WildcardAction = ":any"

// DefaultTimeout bounds how long Request waits for a human decision.
const DefaultTimeout = 5 * time.Minute

// Action is the thing a tool wants to do, hashed into a stable identity so
// repeated identical actions hit the same consent-store entry.
type Action struct {
	Kind   string                 `json:"kind"`   // e.g. "exec", "tool", "file_write"
	Target string                 `json:"target"` // command string, tool name, path, ...
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// Hash returns the first 16 hex characters of the SHA-256 digest of a's
// canonical JSON encoding.
func (a Action) Hash() string {
	canon := canonicalize(a)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalize(a Action) string {
	keys := make([]string, 0, len(a.Detail))
	for k := range a.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		ordered[k] = a.Detail[k]
	}
	b, _ := json.Marshal(struct {
		Kind   string                 `json:"kind"`
		Target string                 `json:"target"`
		Detail map[string]interface{} `json:"detail,omitempty"`
	}{a.Kind, a.Target, ordered})
	return string(b)
}

// Request is what a caller passes to Gate.Request. Tool names the consent
// key's tool component; when empty it defaults to Action.Kind.
type Request struct {
	Tool       string
	Action     Action
	SessionKey string
	AgentID    string
	NodeID     string
	Timeout    time.Duration
}

func (r Request) tool() string {
	if r.Tool != "" {
		return r.Tool
	}
	return r.Action.Kind
}

// ConsentStore persists scoped decisions keyed on (scope, scope_id, tool,
// action_hash). Implementations: in-memory (the default), Postgres (managed
// mode), SQLite (standalone mode).
type ConsentStore interface {
	Get(ctx context.Context, scope Scope, scopeID, tool, actionHash string) (Decision, bool, error)
	Put(ctx context.Context, scope Scope, scopeID, tool, actionHash string, decision Decision) error
}

// pending is one in-flight approval request awaiting human resolution.
type pending struct {
	req    Request
	hash   string
	result chan Decision
}

// Gate is the per-process approvals actor: a scoped consent store plus a
// pending table for requests awaiting interactive resolution. One Gate is
// shared across all runs in a process.
type Gate struct {
	store ConsentStore
	b     *bus.Bus

	mu      sync.Mutex
	waiting map[string]*pending // request_id -> pending, caller still blocked in Request
	expired map[string]*pending // request_id -> pending, caller gave up but decision can still persist
}

// New constructs a Gate. store may be an in-memory default (see NewMemoryStore).
func New(store ConsentStore, b *bus.Bus) *Gate {
	return &Gate{store: store, b: b, waiting: make(map[string]*pending), expired: make(map[string]*pending)}
}

// scopeIDFor resolves the scope-qualifying identifier used as the
// ConsentStore's scopeID argument for a given scope and request.
func scopeIDFor(scope Scope, req Request) string {
	switch scope {
	case ScopeSession:
		return req.SessionKey
	case ScopeAgent:
		return req.AgentID
	case ScopeNode:
		return req.NodeID
	case ScopeGlobal:
		return "global"
	default:
		return ""
	}
}

// Check looks up any existing persisted decision for req's action across
// scopes broadest-first, without creating a pending request. At each scope
// both the exact action hash and the tool-wide WildcardAction entry are
// consulted. A store error treats that scope as "not approved" and moves
// on. Returns ok=false if nothing is on record (caller should ask via
// Request).
func (g *Gate) Check(ctx context.Context, req Request) (Decision, bool, error) {
	hash := req.Action.Hash()
	tool := req.tool()
	for _, scope := range precedence {
		id := scopeIDFor(scope, req)
		if id == "" {
			continue
		}
		for _, h := range []string{hash, WildcardAction} {
			d, ok, err := g.store.Get(ctx, scope, id, tool, h)
			if err != nil {
				continue
			}
			if ok {
				return d, true, nil
			}
		}
	}
	return "", false, nil
}

// Request resolves req's action: first consulting the consent store, then
// — on a miss — publishing an exec_approvals bus event and blocking until a
// Resolve call arrives or req.Timeout elapses.
func (g *Gate) Request(ctx context.Context, req Request) (Decision, error) {
	if d, ok, err := g.Check(ctx, req); err != nil {
		return "", err
	} else if ok {
		return d, nil
	}

	hash := req.Action.Hash()
	requestID := uuid.NewString()
	result := make(chan Decision, 1)

	g.mu.Lock()
	g.waiting[requestID] = &pending{req: req, hash: hash, result: result}
	g.mu.Unlock()

	g.b.Publish(bus.ExecApprovalsTopic, bus.Event{
		Name: "exec_approval_requested",
		Payload: map[string]interface{}{
			"request_id":  requestID,
			"tool":        req.tool(),
			"action_hash": hash,
			"action":      req.Action,
			"session_key": req.SessionKey,
			"agent_id":    req.AgentID,
		},
	})

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-result:
		return d, nil
	case <-timer.C:
		g.expireWaiter(requestID)
		return "", ErrApprovalTimeout
	case <-ctx.Done():
		g.expireWaiter(requestID)
		return "", ctx.Err()
	}
}

// expireWaiter moves a request from waiting to expired: the blocked caller
// has given up, but the request/hash identity is kept around so a Resolve
// that arrives later can still persist a non-once decision.
func (g *Gate) expireWaiter(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.waiting[requestID]; ok {
		delete(g.waiting, requestID)
		g.expired[requestID] = p
	}
}

// Resolve is called by the UI/channel layer once a human has answered an
// exec_approval_requested event. scope controls how durable an allow
// decision is: ScopeOnce never persists, the rest persist under their
// scope ID. A deny is never persisted — it answers this request only and
// must not become a standing rule. An unknown requestID (never requested,
// or already resolved) is a no-op.
//
// If the original waiter already timed out, a non-once allow is still
// persisted: an approval survives its waiter's disappearance so the next
// identical action doesn't re-prompt.
func (g *Gate) Resolve(ctx context.Context, requestID string, scope Scope, decision Decision) error {
	g.mu.Lock()
	p, ok := g.waiting[requestID]
	if ok {
		delete(g.waiting, requestID)
	} else if p, ok = g.expired[requestID]; ok {
		delete(g.expired, requestID)
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}

	if scope != ScopeOnce && decision != DecisionDeny {
		id := scopeIDFor(scope, p.req)
		if id != "" {
			if err := g.store.Put(ctx, scope, id, p.req.tool(), p.hash, decision); err != nil {
				return err
			}
		}
	}

	g.b.Publish(bus.ExecApprovalsTopic, bus.Event{
		Name: "exec_approval_resolved",
		Payload: map[string]interface{}{
			"request_id": requestID,
			"decision":   decision,
			"scope":      scope,
		},
	})

	select {
	case p.result <- decision:
	default:
	}
	return nil
}

// PendingCount returns the number of requests currently awaiting a human
// decision, used by the runcore inspect subcommand.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting)
}
