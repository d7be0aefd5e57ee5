package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/sessionkey"
)

// ErrControlPlaneRateLimited is returned when an agent_id has exceeded its
// control-plane send rate.
var ErrControlPlaneRateLimited = errors.New("router: control_plane_rate_limited")

// SelectorMode is AgentInbox.Send's session-selection strategy.
type SelectorMode string

const (
	SelectLatest   SelectorMode = "latest"
	SelectNew      SelectorMode = "new"
	SelectExplicit SelectorMode = "explicit"
)

// Route is a resolved delivery target: a (channel_id, account_id, peer)
// tuple a send/fanout can be aimed at.
type Route struct {
	ChannelID string
	AccountID string
	Peer      channeladapter.PeerRef
}

// Signature returns a stable string identifying the route for dedup
// purposes.
func (r Route) Signature() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", r.ChannelID, r.AccountID, r.Peer.Kind, r.Peer.ID, r.Peer.ThreadID)
}

// AgentDirectory answers "what sessions exist for this agent" queries,
// backing AgentInbox's latest/new selection modes. Implementations index
// whatever session-listing store the deployment already has
// (internal/store's session store, a DB table, ...).
type AgentDirectory interface {
	// LatestSession returns the most recently active session_key for
	// agentID, optionally filtered to sessions matching routeFilter
	// (nil means no filter).
	LatestSession(ctx context.Context, agentID string, routeFilter *Route) (string, bool, error)
}

// RouteResolver turns a loosely-typed delivery target string (as passed to
// `to`/`deliver_to`) into a fully-qualified Route, accepting shorthands
// like "tg:<chat_id>".
type RouteResolver interface {
	ResolveRoute(target string) (Route, error)
}

// SendOptions bundles AgentInbox.send's optional parameters.
type SendOptions struct {
	Mode           SelectorMode
	BaseSessionKey string   // used by SelectNew as an override
	SessionKey     string   // used by SelectExplicit
	To             string   // primary delivery target
	DeliverTo      []string // fanout targets
	QueueMode      string
	Meta           map[string]interface{}
}

// AgentInbox is the programmatic send entry point used by other agents,
// cron jobs, and admin commands to address a running agent without
// knowing its session key.
type AgentInbox struct {
	orchestrator Submitter
	directory    AgentDirectory
	routes       RouteResolver

	limiterRate  rate.Limit
	limiterBurst int
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
}

// NewAgentInbox constructs an AgentInbox. Control-plane sends are rate
// limited per agent_id (default 5/s, burst 10) so one misbehaving caller —
// another agent, a cron job — cannot flood a session with followup runs;
// composes with the channel-side internal/channels.WebhookRateLimiter,
// which bounds inbound transport traffic instead.
func NewAgentInbox(orchestrator Submitter, directory AgentDirectory, routes RouteResolver) *AgentInbox {
	return &AgentInbox{
		orchestrator: orchestrator,
		directory:    directory,
		routes:       routes,
		limiterRate:  rate.Limit(5),
		limiterBurst: 10,
		limiters:     make(map[string]*rate.Limiter),
	}
}

func (a *AgentInbox) limiterFor(agentID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(a.limiterRate, a.limiterBurst)
		a.limiters[agentID] = l
	}
	return l
}

// Send resolves a session_key per opts.Mode, attaches any fanout routes,
// and submits prompt as a RunRequest for agentID.
func (a *AgentInbox) Send(ctx context.Context, agentID, prompt string, opts SendOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if !a.limiterFor(agentID).Allow() {
		return "", ErrControlPlaneRateLimited
	}

	var primaryRoute *Route
	if opts.To != "" {
		r, err := a.routes.ResolveRoute(opts.To)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidFanoutTarget, opts.To)
		}
		primaryRoute = &r
	}

	sessionKey, err := a.resolveSessionKey(ctx, agentID, opts, primaryRoute)
	if err != nil {
		return "", err
	}

	meta := make(map[string]interface{}, len(opts.Meta)+2)
	for k, v := range opts.Meta {
		meta[k] = v
	}

	if len(opts.DeliverTo) > 0 {
		fanout, count, err := a.resolveFanout(primaryRoute, opts.DeliverTo)
		if err != nil {
			return "", err
		}
		if count > 0 {
			meta["fanout_routes"] = fanout
			meta["fanout_count"] = count
		}
	}

	queueMode := runprocess.NormalizeQueueMode(opts.QueueMode, runprocess.QueueFollowup)

	return a.orchestrator.Submit(ctx, runprocess.RunRequest{
		Origin:     runprocess.OriginControlPlane,
		SessionKey: sessionKey,
		AgentID:    agentID,
		Prompt:     prompt,
		QueueMode:  queueMode,
		Meta:       meta,
	})
}

// resolveFanout resolves each deliver_to target to a Route, drops the
// primary-route duplicate and any repeats (by signature), and returns the
// remainder as plain maps ready to attach to Job meta.
func (a *AgentInbox) resolveFanout(primary *Route, targets []string) ([]map[string]interface{}, int, error) {
	seen := make(map[string]bool)
	if primary != nil {
		seen[primary.Signature()] = true
	}
	var out []map[string]interface{}
	for _, t := range targets {
		r, err := a.routes.ResolveRoute(t)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidFanoutTarget, t)
		}
		sig := r.Signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, map[string]interface{}{
			"channel_id": r.ChannelID,
			"account_id": r.AccountID,
			"peer": map[string]interface{}{
				"kind":      r.Peer.Kind,
				"id":        r.Peer.ID,
				"thread_id": r.Peer.ThreadID,
			},
		})
	}
	return out, len(out), nil
}

func (a *AgentInbox) resolveSessionKey(ctx context.Context, agentID string, opts SendOptions, primary *Route) (string, error) {
	switch opts.Mode {
	case SelectExplicit:
		return a.resolveExplicit(agentID, opts.SessionKey)
	case SelectNew:
		return a.resolveNew(ctx, agentID, opts, primary)
	default: // SelectLatest and "" both default to latest
		return a.resolveLatest(ctx, agentID, primary)
	}
}

func (a *AgentInbox) resolveExplicit(agentID, sessionKey string) (string, error) {
	if !sessionkey.Valid(sessionKey) {
		return "", ErrInvalidSessionSelector
	}
	owner, err := sessionkey.AgentID(sessionKey)
	if err != nil {
		return "", ErrInvalidSessionSelector
	}
	if owner != agentID {
		return "", ErrSessionAgentMismatch
	}
	return sessionKey, nil
}

// resolveLatest queries the AgentDirectory for the most recent session
// matching an optional route filter; if none exists and a primary route is
// known, derives a route-session-key; else falls back to main(agent_id).
func (a *AgentInbox) resolveLatest(ctx context.Context, agentID string, primary *Route) (string, error) {
	if a.directory != nil {
		if key, ok, err := a.directory.LatestSession(ctx, agentID, primary); err != nil {
			return "", err
		} else if ok {
			return key, nil
		}
	}
	if primary != nil {
		return deriveRouteSessionKey(agentID, *primary, "")
	}
	return sessionkey.Main(agentID), nil
}

// resolveNew resolves a base session (explicit base_session_key > primary
// route > latest route session > latest session > main), and if that base
// is a channel_peer session, forks it by appending a freshly generated
// sub_id; a main base session falls back to main unchanged.
func (a *AgentInbox) resolveNew(ctx context.Context, agentID string, opts SendOptions, primary *Route) (string, error) {
	base, err := a.resolveNewBase(ctx, agentID, opts, primary)
	if err != nil {
		return "", err
	}
	parsed, err := sessionkey.Parse(base)
	if err != nil {
		return sessionkey.Main(agentID), nil
	}
	if parsed.Main {
		return sessionkey.Main(agentID), nil
	}
	parsed.SubID = uuid.NewString()
	return sessionkey.Format(parsed)
}

func (a *AgentInbox) resolveNewBase(ctx context.Context, agentID string, opts SendOptions, primary *Route) (string, error) {
	if opts.BaseSessionKey != "" {
		if !sessionkey.Valid(opts.BaseSessionKey) {
			return "", ErrInvalidSessionSelector
		}
		return opts.BaseSessionKey, nil
	}
	if primary != nil {
		return deriveRouteSessionKey(agentID, *primary, "")
	}
	if a.directory != nil {
		if key, ok, err := a.directory.LatestSession(ctx, agentID, nil); err != nil {
			return "", err
		} else if ok {
			return key, nil
		}
	}
	return sessionkey.Main(agentID), nil
}

func deriveRouteSessionKey(agentID string, r Route, subID string) (string, error) {
	return sessionkey.ChannelPeer(sessionkey.ChannelPeerFields{
		AgentID:   agentID,
		ChannelID: r.ChannelID,
		AccountID: r.AccountID,
		PeerKind:  sessionkey.PeerKind(r.Peer.Kind),
		PeerID:    r.Peer.ID,
		ThreadID:  r.Peer.ThreadID,
		SubID:     subID,
	})
}
