// Package sessionkey implements the session-key algebra: the canonical text
// form used to address conversational threads and to route between agents,
// channels, and forum/thread sub-contexts.
package sessionkey

import (
	"errors"
	"fmt"
	"strings"
)

// PeerKind is drawn from a fixed whitelist, which includes PeerUnknown. Parse
// rejects any other value with ErrInvalidPeerKind rather than introducing a
// new identifier into any global table.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
	PeerMain    PeerKind = "main"
	PeerUnknown PeerKind = "unknown"
)

var validPeerKinds = map[PeerKind]bool{
	PeerDM:      true,
	PeerGroup:   true,
	PeerChannel: true,
	PeerMain:    true,
	PeerUnknown: true,
}

// ErrInvalidPeerKind is returned when a peer_kind atom does not match the
// whitelist exactly (case-sensitive).
var ErrInvalidPeerKind = errors.New("sessionkey: invalid peer_kind")

// ErrInvalidSessionKey covers malformed session key strings.
var ErrInvalidSessionKey = errors.New("sessionkey: invalid session key")

// ParseError carries the offending key alongside the sentinel error, so
// callers can log the raw string without losing errors.Is compatibility.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sessionkey: %v: %q", e.Err, e.Key)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parsed is the structured record behind a canonical session key string.
//
// Main sessions only set AgentID; all other fields are zero-valued.
type Parsed struct {
	AgentID   string
	Main      bool
	ChannelID string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
	ThreadID  string // optional
	SubID     string // optional
}

// Main builds the canonical key for an agent's main (non-channel) session.
func Main(agentID string) string {
	return fmt.Sprintf("agent:%s:main", agentID)
}

// ChannelPeerFields is the input to ChannelPeer.
type ChannelPeerFields struct {
	AgentID   string
	ChannelID string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
	ThreadID  string
	SubID     string
}

// ChannelPeer builds the canonical key for a channel/peer session.
func ChannelPeer(f ChannelPeerFields) (string, error) {
	if !validPeerKinds[f.PeerKind] {
		return "", &ParseError{Key: string(f.PeerKind), Err: ErrInvalidPeerKind}
	}
	key := fmt.Sprintf("agent:%s:%s:%s:%s:%s", f.AgentID, f.ChannelID, f.AccountID, f.PeerKind, f.PeerID)
	if f.ThreadID != "" {
		key += ":thread:" + f.ThreadID
	}
	if f.SubID != "" {
		key += ":sub:" + f.SubID
	}
	return key, nil
}

// Parse decodes a canonical (or legacy) session key string into a Parsed
// record. Invalid peer kinds produce a structured ParseError, never a
// fabricated variant.
func Parse(s string) (Parsed, error) {
	if legacy, ok := normalizeLegacyTelegramPrefix(s); ok {
		s = legacy
	}

	parts := strings.Split(s, ":")
	if len(parts) < 3 || parts[0] != "agent" {
		return Parsed{}, &ParseError{Key: s, Err: ErrInvalidSessionKey}
	}
	agentID := parts[1]

	if len(parts) == 3 && parts[2] == "main" {
		return Parsed{AgentID: agentID, Main: true}, nil
	}

	if len(parts) < 5 {
		return Parsed{}, &ParseError{Key: s, Err: ErrInvalidSessionKey}
	}

	channelID := parts[2]
	accountID := parts[3]
	peerKind := PeerKind(parts[4])
	if !validPeerKinds[peerKind] {
		return Parsed{}, &ParseError{Key: s, Err: ErrInvalidPeerKind}
	}
	if len(parts) < 6 {
		return Parsed{}, &ParseError{Key: s, Err: ErrInvalidSessionKey}
	}
	peerID := parts[5]

	p := Parsed{
		AgentID:   agentID,
		ChannelID: channelID,
		AccountID: accountID,
		PeerKind:  peerKind,
		PeerID:    peerID,
	}

	rest := parts[6:]
	for i := 0; i+1 < len(rest); i += 2 {
		switch rest[i] {
		case "thread":
			p.ThreadID = rest[i+1]
		case "sub":
			p.SubID = rest[i+1]
		}
	}
	return p, nil
}

// Format renders a Parsed record back to its canonical text form.
// parse(format(k)) = k holds for all valid records produced by Parse.
func Format(p Parsed) (string, error) {
	if p.Main {
		return Main(p.AgentID), nil
	}
	return ChannelPeer(ChannelPeerFields{
		AgentID:   p.AgentID,
		ChannelID: p.ChannelID,
		AccountID: p.AccountID,
		PeerKind:  p.PeerKind,
		PeerID:    p.PeerID,
		ThreadID:  p.ThreadID,
		SubID:     p.SubID,
	})
}

// Valid reports whether s parses without error.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// AgentID extracts just the agent_id component of a session key, without
// fully validating the rest of the structure (a fast path that splits on
// the first two colons only).
func AgentID(s string) (string, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] != "agent" {
		return "", &ParseError{Key: s, Err: ErrInvalidSessionKey}
	}
	return parts[1], nil
}

// normalizeLegacyTelegramPrefix accepts the legacy
// "channel:telegram:<transport>:<chat_id>[:thread:<tid>]" form and rewrites
// it to the canonical agent-prefixed form, defaulting agent_id to "default"
// and peer_kind to dm.
func normalizeLegacyTelegramPrefix(s string) (string, bool) {
	if !strings.HasPrefix(s, "channel:telegram:") {
		return "", false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return "", false
	}
	transport := parts[2]
	chatID := parts[3]
	canonical := fmt.Sprintf("agent:default:telegram:%s:dm:%s", transport, chatID)
	if len(parts) >= 6 && parts[4] == "thread" {
		canonical += ":thread:" + parts[5]
	}
	return canonical, true
}

// IsMain reports whether s is a main-variant session key (cheap check
// without a full Parse, for hot paths like routing-session derivation).
func IsMain(s string) bool {
	return strings.HasSuffix(s, ":main") && strings.HasPrefix(s, "agent:") && strings.Count(s, ":") == 2
}
