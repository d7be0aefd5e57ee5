package router

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
)

type fakeDirectory struct {
	key string
	ok  bool
}

func (f fakeDirectory) LatestSession(context.Context, string, *Route) (string, bool, error) {
	return f.key, f.ok, nil
}

type fakeRouteResolver struct{}

func (fakeRouteResolver) ResolveRoute(target string) (Route, error) {
	// "tg:<chat_id>" shorthand.
	parts := strings.SplitN(target, ":", 2)
	if len(parts) != 2 {
		return Route{}, ErrInvalidFanoutTarget
	}
	return Route{ChannelID: "telegram", AccountID: "default", Peer: channeladapter.PeerRef{Kind: "dm", ID: parts[1]}}, nil
}

func TestSendLatestFallsBackToMainWithNoDirectoryHit(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{ok: false}, fakeRouteResolver{})

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{Mode: SelectLatest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.lastReq.SessionKey != "agent:agent-x:main" {
		t.Fatalf("expected main fallback, got %s", sub.lastReq.SessionKey)
	}
}

func TestSendLatestUsesDirectoryHit(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{key: "agent:agent-x:telegram:default:dm:7", ok: true}, fakeRouteResolver{})

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{Mode: SelectLatest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.lastReq.SessionKey != "agent:agent-x:telegram:default:dm:7" {
		t.Fatalf("unexpected session_key: %s", sub.lastReq.SessionKey)
	}
}

func TestSendExplicitRejectsAgentMismatch(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{}, fakeRouteResolver{})

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{
		Mode:       SelectExplicit,
		SessionKey: "agent:agent-y:main",
	})
	if err != ErrSessionAgentMismatch {
		t.Fatalf("expected ErrSessionAgentMismatch, got %v", err)
	}
}

func TestSendExplicitAcceptsOwnedSession(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{}, fakeRouteResolver{})

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{
		Mode:       SelectExplicit,
		SessionKey: "agent:agent-x:main",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.lastReq.SessionKey != "agent:agent-x:main" {
		t.Fatalf("unexpected session_key: %s", sub.lastReq.SessionKey)
	}
}

func TestSendNewForksChannelPeerSession(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{}, fakeRouteResolver{})

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{
		Mode:           SelectNew,
		BaseSessionKey: "agent:agent-x:telegram:default:dm:7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(sub.lastReq.SessionKey, "agent:agent-x:telegram:default:dm:7:sub:") {
		t.Fatalf("expected forked sub-session, got %s", sub.lastReq.SessionKey)
	}
}

func TestSendNewFallsBackToMainForMainBase(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{}, fakeRouteResolver{})

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{
		Mode:           SelectNew,
		BaseSessionKey: "agent:agent-x:main",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.lastReq.SessionKey != "agent:agent-x:main" {
		t.Fatalf("expected main fallback, got %s", sub.lastReq.SessionKey)
	}
}

func TestSendFanoutDropsPrimaryDuplicateAndCountsRemainder(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{}, fakeRouteResolver{})

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{
		Mode:      SelectLatest,
		To:        "tg:111",
		DeliverTo: []string{"tg:222", "tg:333", "tg:111"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count, _ := sub.lastReq.Meta["fanout_count"].(int)
	if count != 2 {
		t.Fatalf("expected fanout_count=2, got %d (meta=%v)", count, sub.lastReq.Meta)
	}
	routes, _ := sub.lastReq.Meta["fanout_routes"].([]map[string]interface{})
	if len(routes) != 2 {
		t.Fatalf("expected 2 fanout routes, got %d", len(routes))
	}
}

func TestSendRateLimitsPerAgent(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{}, fakeRouteResolver{})
	inbox.limiterRate = 0 // deny everything after the initial burst
	inbox.limiterBurst = 1

	if _, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{Mode: SelectLatest}); err != nil {
		t.Fatalf("first send should pass the burst allowance: %v", err)
	}
	if _, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{Mode: SelectLatest}); err != ErrControlPlaneRateLimited {
		t.Fatalf("expected ErrControlPlaneRateLimited, got %v", err)
	}
}

func TestSendEmptyPromptRejected(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox := NewAgentInbox(sub, fakeDirectory{}, fakeRouteResolver{})
	_, err := inbox.Send(context.Background(), "agent-x", "   ", SendOptions{Mode: SelectLatest})
	if err != ErrEmptyPrompt {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}
