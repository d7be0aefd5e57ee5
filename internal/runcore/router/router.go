// Package router implements the inbound Router and AgentInbox: the single
// entry point that normalises inbound transport/control-plane messages
// into a RunOrchestrator.Submit call, plus the three session-selection
// modes a programmatic caller (another agent, a cron, an admin command)
// uses to address a running agent without knowing its session key. The
// "always return ok, log the rest" error-swallowing policy at the
// transport boundary mirrors internal/channels/manager.go's
// HandleAgentEvent.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/registry"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/sessionkey"
)

// Input-validation and admission error kinds.
var (
	ErrEmptyPrompt            = errors.New("router: empty_prompt")
	ErrInvalidSessionKey      = errors.New("router: invalid_session_key")
	ErrInvalidSessionSelector = errors.New("router: invalid_session_selector")
	ErrSessionAgentMismatch   = errors.New("router: session_agent_mismatch")
	ErrInvalidFanoutTarget    = errors.New("router: invalid_fanout_target")
	ErrUnknownAgentID         = errors.New("router: unknown_agent_id")
)

// Submitter is the narrow orchestrator surface the router drives.
type Submitter interface {
	Submit(ctx context.Context, req runprocess.RunRequest) (string, error)
}

// InboundMessage is a transport-normalised message.
type InboundMessage struct {
	ChannelID string
	AccountID string
	Peer      channeladapter.PeerRef
	Sender    string
	Message   struct {
		ID        string
		Text      string
		Timestamp int64
		ReplyToID string
	}
	Raw  interface{}
	Meta map[string]interface{}
}

// Router is the inbound entry point: one call per transport message.
type Router struct {
	orchestrator Submitter
	sessions     *registry.SessionRegistry
	runs         *registry.RunRegistry
	log          *slog.Logger
}

// New constructs a Router.
func New(orchestrator Submitter, sessions *registry.SessionRegistry, runs *registry.RunRegistry) *Router {
	return &Router{orchestrator: orchestrator, sessions: sessions, runs: runs, log: slog.Default().With("component", "router")}
}

// HandleInbound computes the session_key for msg and submits it to the
// orchestrator. It always returns nil to the transport — errors are
// logged, never propagated, so a flaky submit does not make the transport
// retry-deliver the same message.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) error {
	sessionKey, err := r.resolveInboundSessionKey(msg)
	if err != nil {
		r.log.Warn("inbound session_key resolution failed", "err", err)
		return nil
	}

	agentID, _ := msg.Meta["agent_id"].(string)
	if agentID == "" {
		if id, perr := sessionkey.AgentID(sessionKey); perr == nil {
			agentID = id
		}
	}

	req := runprocess.RunRequest{
		SessionKey: sessionKey,
		AgentID:    agentID,
		Prompt:     msg.Message.Text,
		Origin:     runprocess.OriginChannel,
		QueueMode:  runprocess.QueueCollect,
		Meta:       mergeInboundMeta(msg),
	}
	if _, err := r.orchestrator.Submit(ctx, req); err != nil {
		r.log.Warn("inbound submit failed", "session_key", sessionKey, "err", err)
	}
	return nil
}

func mergeInboundMeta(msg InboundMessage) map[string]interface{} {
	meta := make(map[string]interface{}, len(msg.Meta)+6)
	for k, v := range msg.Meta {
		meta[k] = v
	}
	meta["channel_id"] = msg.ChannelID
	meta["account_id"] = msg.AccountID
	meta["peer_kind"] = msg.Peer.Kind
	meta["peer_id"] = msg.Peer.ID
	if msg.Peer.ThreadID != "" {
		meta["thread_id"] = msg.Peer.ThreadID
	}
	meta["user_msg_id"] = msg.Message.ID
	if msg.Message.ReplyToID != "" {
		meta["reply_to_id"] = msg.Message.ReplyToID
	}
	return meta
}

// resolveInboundSessionKey prefers an explicit meta.session_key if it is a
// valid key, else builds one from the transport identity fields.
func (r *Router) resolveInboundSessionKey(msg InboundMessage) (string, error) {
	if s, _ := msg.Meta["session_key"].(string); s != "" && sessionkey.Valid(s) {
		return s, nil
	}
	agentID, _ := msg.Meta["agent_id"].(string)
	if agentID == "" {
		agentID = "default"
	}
	peerKind := msg.Peer.Kind
	if peerKind == "" {
		peerKind = string(sessionkey.PeerUnknown)
	}
	threadID, _ := msg.Meta["thread_id"].(string)
	if threadID == "" {
		threadID = msg.Peer.ThreadID
	}
	return sessionkey.ChannelPeer(sessionkey.ChannelPeerFields{
		AgentID:   agentID,
		ChannelID: msg.ChannelID,
		AccountID: msg.AccountID,
		PeerKind:  sessionkey.PeerKind(peerKind),
		PeerID:    msg.Peer.ID,
		ThreadID:  threadID,
	})
}

// AbortRun looks up runID's RunProcess in the RunRegistry and casts an
// abort to it.
func (r *Router) AbortRun(ctx context.Context, runID string) error {
	h, ok := r.runs.Get(runID)
	if !ok {
		return fmt.Errorf("router: unknown run_id %q", runID)
	}
	aborter, ok := h.(interface{ Abort(context.Context) })
	if !ok {
		return fmt.Errorf("router: run handle for %q does not support abort", runID)
	}
	aborter.Abort(ctx)
	return nil
}

// Abort looks up sessionKey's registered (single active) run and aborts
// it. A session_key with no active run is a no-op.
func (r *Router) Abort(ctx context.Context, sessionKey string) error {
	owner, ok := r.sessions.LookupActive(sessionKey)
	if !ok {
		return nil
	}
	runID, ok := owner.(string)
	if !ok {
		return fmt.Errorf("router: unexpected session registry owner type for %q", sessionKey)
	}
	return r.AbortRun(ctx, runID)
}
