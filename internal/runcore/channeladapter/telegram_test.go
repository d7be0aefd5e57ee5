package channeladapter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEmitStreamOutputDualMessageLifecycle(t *testing.T) {
	tg := NewTelegram(nil, false)
	meta := map[string]interface{}{"run_id": "r1", "user_msg_id": "u1"}

	// First flush: no answer message yet -> create, replying to the user.
	p, ok := tg.EmitStreamOutput(context.Background(), meta, "Hello", "Hello")
	if !ok || p.Kind != "text" {
		t.Fatalf("expected a text create, got ok=%v kind=%q", ok, p.Kind)
	}
	if p.ReplyTo != "u1" {
		t.Fatalf("expected reply_to user message, got %q", p.ReplyTo)
	}
	if p.IdempotencyKey != "r1:answer:create" {
		t.Fatalf("unexpected idempotency key %q", p.IdempotencyKey)
	}
	if meta["answer_create_ref"] == nil {
		t.Fatal("expected answer_create_ref recorded")
	}

	// While the create is in flight, newer text is deferred, not sent.
	_, ok = tg.EmitStreamOutput(context.Background(), meta, "Hello wor", "")
	if ok {
		t.Fatal("expected flush deferred while create in flight")
	}
	if meta["deferred_answer_text"] != "Hello wor" {
		t.Fatalf("expected deferred text stashed, got %v", meta["deferred_answer_text"])
	}

	// Delivery ack captures the transport message id and releases deferral.
	tg.HandleDeliveryAck(meta, DeliveryAck{IdempotencyKey: "r1:answer:create", MessageID: "m42"})
	if meta["answer_msg_id"] != "m42" {
		t.Fatalf("expected answer_msg_id captured, got %v", meta["answer_msg_id"])
	}
	if meta["answer_create_ref"] != nil {
		t.Fatal("expected answer_create_ref cleared on ack")
	}

	// Subsequent flushes edit the answer message toward the full text.
	p, ok = tg.EmitStreamOutput(context.Background(), meta, "Hello world", "")
	if !ok || p.Kind != "edit" {
		t.Fatalf("expected an edit, got ok=%v kind=%q", ok, p.Kind)
	}
	content := p.Content.(map[string]interface{})
	if content["message_id"] != "m42" || content["text"] != "Hello world" {
		t.Fatalf("unexpected edit content %v", content)
	}
}

func TestEmitStreamOutputSkipsUnchangedText(t *testing.T) {
	tg := NewTelegram(nil, false)
	meta := map[string]interface{}{
		"run_id":         "r1",
		"answer_msg_id":  "m1",
		"last_sent_text": "same",
	}
	if _, ok := tg.EmitStreamOutput(context.Background(), meta, "same", ""); ok {
		t.Fatal("expected flush suppressed when text equals last sent")
	}
}

func TestFinalizeStreamEffectiveTextSelection(t *testing.T) {
	tg := NewTelegram(nil, false)

	cases := []struct {
		name  string
		meta  map[string]interface{}
		final string
		want  string
	}{
		{"final text wins", map[string]interface{}{"full_text": "acc"}, "explicit", "explicit"},
		{"accumulated text next", map[string]interface{}{"full_text": "acc"}, "", "acc"},
		{"buffer next", map[string]interface{}{"buffer": "buf"}, "", "buf"},
		{"Done as last resort", map[string]interface{}{}, "", "Done"},
	}
	for _, tc := range cases {
		tc.meta["run_id"] = "r1"
		tc.meta["user_msg_id"] = "u1"
		p := tg.FinalizeStream(context.Background(), tc.meta, tc.final)
		if p.IdempotencyKey != "r1:final:send" {
			t.Fatalf("%s: unexpected key %q", tc.name, p.IdempotencyKey)
		}
		if got := p.Content.(string); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestFinalizeStreamEditsKnownAnswerMessage(t *testing.T) {
	tg := NewTelegram(nil, false)
	meta := map[string]interface{}{"run_id": "r1", "answer_msg_id": "m7", "full_text": "body"}
	p := tg.FinalizeStream(context.Background(), meta, "")
	if p.Kind != "edit" {
		t.Fatalf("expected edit into the known answer message, got %q", p.Kind)
	}
	content := p.Content.(map[string]interface{})
	if content["message_id"] != "m7" || content["text"] != "body" {
		t.Fatalf("unexpected edit content %v", content)
	}
}

func TestToolStatusCreateCarriesCancelButton(t *testing.T) {
	tg := NewTelegram(nil, false)
	meta := map[string]interface{}{"run_id": "r1"}

	p, ok := tg.EmitToolStatus(context.Background(), meta, "Tool calls:\n- [running] x", true, false)
	if !ok || p.Kind != "text" {
		t.Fatalf("expected a status create, got ok=%v kind=%q", ok, p.Kind)
	}
	markup := p.Meta["reply_markup"].(map[string]interface{})
	rows := markup["inline_keyboard"].([][]map[string]string)
	if rows[0][0]["callback_data"] != "lemon:cancel:r1" {
		t.Fatalf("unexpected cancel payload %q", rows[0][0]["callback_data"])
	}
}

func TestToolStatusFinalEditDropsCancelButton(t *testing.T) {
	tg := NewTelegram(nil, false)
	meta := map[string]interface{}{"run_id": "r1", "status_msg_id": "s1"}

	p, ok := tg.EmitToolStatus(context.Background(), meta, "Tool calls:\n- [ok] x", false, true)
	if !ok || p.Kind != "edit" {
		t.Fatalf("expected a finalizing edit, got ok=%v kind=%q", ok, p.Kind)
	}
	if _, has := p.Meta["reply_markup"]; has {
		t.Fatal("expected the cancel button removed on finalization")
	}
}

func TestToolStatusRunningPrefixWithKnownProgress(t *testing.T) {
	tg := NewTelegram(nil, false)
	meta := map[string]interface{}{"run_id": "r1", "status_msg_id": "s1", "progress_msg_id": "p1"}

	p, ok := tg.EmitToolStatus(context.Background(), meta, "Tool calls:\n- [running] x", true, false)
	if !ok {
		t.Fatal("expected an edit")
	}
	text := p.Content.(map[string]interface{})["text"].(string)
	if !strings.HasPrefix(text, "Running…\n\n") {
		t.Fatalf("expected Running prefix, got %q", text)
	}
}

func TestToolStatusDoneForDanglingProgressMessage(t *testing.T) {
	tg := NewTelegram(nil, false)

	// No actions, no progress message: nothing emitted.
	if _, ok := tg.EmitToolStatus(context.Background(), map[string]interface{}{"run_id": "r1"}, "", false, true); ok {
		t.Fatal("expected silence without a dangling progress message")
	}

	meta := map[string]interface{}{"run_id": "r1", "progress_msg_id": "p1"}
	p, ok := tg.EmitToolStatus(context.Background(), meta, "", false, true)
	if !ok || p.Kind != "edit" {
		t.Fatalf("expected the dangling progress message edited, got ok=%v kind=%q", ok, p.Kind)
	}
	content := p.Content.(map[string]interface{})
	if content["message_id"] != "p1" || content["text"] != "Done" {
		t.Fatalf("unexpected Done edit %v", content)
	}
}

func TestToolStatusDeferredWhileCreateInFlight(t *testing.T) {
	tg := NewTelegram(nil, false)
	meta := map[string]interface{}{"run_id": "r1"}

	if _, ok := tg.EmitToolStatus(context.Background(), meta, "v1", true, false); !ok {
		t.Fatal("expected the first flush to create")
	}
	if _, ok := tg.EmitToolStatus(context.Background(), meta, "v2", true, false); ok {
		t.Fatal("expected second flush deferred while create in flight")
	}
	if meta["deferred_text"] != "v2" {
		t.Fatalf("expected deferred text stashed, got %v", meta["deferred_text"])
	}

	tg.HandleDeliveryAck(meta, DeliveryAck{IdempotencyKey: "r1:status:create", MessageID: "s9"})
	if meta["status_msg_id"] != "s9" {
		t.Fatalf("expected status_msg_id captured, got %v", meta["status_msg_id"])
	}
}

func TestLimitOrderCapsToLastFive(t *testing.T) {
	tg := NewTelegram(nil, false)
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	kept, omitted := tg.LimitOrder(ids)
	if omitted != 2 {
		t.Fatalf("expected 2 omitted, got %d", omitted)
	}
	if len(kept) != 5 || kept[0] != "c" || kept[4] != "g" {
		t.Fatalf("expected the last five kept, got %v", kept)
	}
}

func TestTruncateBoundsRunes(t *testing.T) {
	tg := NewTelegram(nil, false)
	long := strings.Repeat("é", telegramMaxChars+10)
	got := tg.Truncate(long)
	if n := len([]rune(got)); n != telegramMaxChars {
		t.Fatalf("expected %d runes, got %d", telegramMaxChars, n)
	}
}

func TestFormatActionExtra(t *testing.T) {
	tg := NewTelegram(nil, false)

	sub := tg.FormatActionExtra(ActionView{
		Kind:   "subagent",
		Detail: map[string]interface{}{"engine": "codex", "role": "researcher", "async_via": "queue"},
	})
	if sub != "(engine=codex role=researcher async via=queue)" {
		t.Fatalf("unexpected subagent extra %q", sub)
	}

	cmd := tg.FormatActionExtra(ActionView{
		Kind:   "command",
		Detail: map[string]interface{}{"status": "done", "exit_code": 0, "command": "ls -la"},
	})
	if cmd != `(status=done exit=0) cmd: "ls -la"` {
		t.Fatalf("unexpected command extra %q", cmd)
	}

	if got := tg.FormatActionExtra(ActionView{Kind: "tool"}); got != "" {
		t.Fatalf("expected no extra for plain tools, got %q", got)
	}
}

type recResumeIndex struct {
	mu      sync.Mutex
	indexed [][3]string
}

func (r *recResumeIndex) IndexResume(_ context.Context, messageID, engine, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, [3]string{messageID, engine, value})
	return nil
}

func TestAnswerAckIndexesResumeToken(t *testing.T) {
	idx := &recResumeIndex{}
	tg := NewTelegram(idx, true)
	meta := map[string]interface{}{
		"run_id":        "r1",
		"resume_engine": "codex",
		"resume_value":  "tok-1",
	}

	tg.HandleDeliveryAck(meta, DeliveryAck{IdempotencyKey: "r1:answer:create", MessageID: "m5"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		idx.mu.Lock()
		n := len(idx.indexed)
		idx.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.indexed) != 1 || idx.indexed[0] != [3]string{"m5", "codex", "tok-1"} {
		t.Fatalf("expected one resume-index call for m5, got %v", idx.indexed)
	}
}

func TestResumeFooterAppendedOnceOnFinalize(t *testing.T) {
	tg := NewTelegram(nil, true)

	meta := map[string]interface{}{"run_id": "r1", "resume_token_footer": "resume: codex tok-1"}
	p := tg.FinalizeStream(context.Background(), meta, "answer body")
	text := p.Content.(string)
	if !strings.Contains(text, "resume: codex tok-1") {
		t.Fatalf("expected footer appended, got %q", text)
	}

	// Already present in the final text: not duplicated.
	meta2 := map[string]interface{}{"run_id": "r2", "resume_token_footer": "resume: codex tok-1"}
	p2 := tg.FinalizeStream(context.Background(), meta2, "body\n\nresume: codex tok-1")
	if strings.Count(p2.Content.(string), "resume: codex tok-1") != 1 {
		t.Fatalf("expected footer not duplicated, got %q", p2.Content)
	}
}
