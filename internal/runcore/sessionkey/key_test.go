package sessionkey

import "testing"

func TestRoundTripAllPeerKinds(t *testing.T) {
	kinds := []PeerKind{PeerDM, PeerGroup, PeerChannel, PeerMain, PeerUnknown}
	for _, kind := range kinds {
		for _, withThread := range []bool{false, true} {
			for _, withSub := range []bool{false, true} {
				f := ChannelPeerFields{
					AgentID:   "agent-x",
					ChannelID: "telegram",
					AccountID: "default",
					PeerKind:  kind,
					PeerID:    "42",
				}
				if withThread {
					f.ThreadID = "7"
				}
				if withSub {
					f.SubID = "abc123"
				}
				key, err := ChannelPeer(f)
				if err != nil {
					t.Fatalf("ChannelPeer(%+v): %v", f, err)
				}
				parsed, err := Parse(key)
				if err != nil {
					t.Fatalf("Parse(%q): %v", key, err)
				}
				roundTripped, err := Format(parsed)
				if err != nil {
					t.Fatalf("Format(%+v): %v", parsed, err)
				}
				if roundTripped != key {
					t.Fatalf("round trip mismatch: %q != %q", roundTripped, key)
				}
			}
		}
	}
}

func TestMainRoundTrip(t *testing.T) {
	key := Main("agent-x")
	parsed, err := Parse(key)
	if err != nil {
		t.Fatalf("Parse(%q): %v", key, err)
	}
	if !parsed.Main || parsed.AgentID != "agent-x" {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
	out, err := Format(parsed)
	if err != nil || out != key {
		t.Fatalf("Format mismatch: %q vs %q (err=%v)", out, key, err)
	}
}

func TestInvalidPeerKindNeverFabricatesVariant(t *testing.T) {
	_, err := Parse("agent:x:telegram:default:bogus:42")
	if err == nil {
		t.Fatal("expected error for invalid peer kind")
	}
	var pe *ParseError
	if !ok(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if pe.Err != ErrInvalidPeerKind {
		t.Fatalf("expected ErrInvalidPeerKind, got %v", pe.Err)
	}
}

func ok(err error, target **ParseError) bool {
	if pe, isPE := err.(*ParseError); isPE {
		*target = pe
		return true
	}
	return false
}

func TestLegacyTelegramPrefix(t *testing.T) {
	parsed, err := Parse("channel:telegram:bot1:555")
	if err != nil {
		t.Fatalf("Parse legacy: %v", err)
	}
	if parsed.AgentID != "default" || parsed.PeerKind != PeerDM || parsed.PeerID != "555" {
		t.Fatalf("unexpected legacy parse: %+v", parsed)
	}
}

func TestAgentID(t *testing.T) {
	id, err := AgentID("agent:x:main")
	if err != nil || id != "x" {
		t.Fatalf("AgentID: %v, %v", id, err)
	}
	if _, err := AgentID("not-a-key"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestIsMain(t *testing.T) {
	if !IsMain("agent:x:main") {
		t.Fatal("expected main key to be detected")
	}
	if IsMain("agent:x:telegram:default:dm:1") {
		t.Fatal("non-main key wrongly detected as main")
	}
}
