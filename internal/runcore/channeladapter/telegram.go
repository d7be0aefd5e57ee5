package channeladapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const telegramMaxChars = 4096

// telegramToolStatusLimit caps the displayed tool-status order to the last
// N actions.
const telegramToolStatusLimit = 5

// ResumeIndex records message_id -> resume_token so a later reply to that
// message can resume the right engine thread. Exposed for the Telegram
// adapter's pending-resume retry loop; a real deployment backs this with
// the same opaque key/value store session-policy and approvals share.
type ResumeIndex interface {
	IndexResume(ctx context.Context, messageID string, engine, value string) error
}

// pendingResumeEntry retries ResumeIndex.IndexResume with backoff
// (base 2s, cap 30s, 4 attempts).
type pendingResumeEntry struct {
	messageID string
	engine    string
	value     string
	attempts  int
}

// Telegram implements Adapter with the dual-message progress/answer model
// and resume-token indexing. It builds payloads in the
// internal/channels/telegram send/edit shape without importing telego
// directly — this package stays a transport-agnostic payload builder; the
// telegram channel package is the OutboundGateway that actually calls
// telego.
type Telegram struct {
	resumeIndex ResumeIndex
	footer      bool // append resume-token footer to final answers

	mu      sync.Mutex
	pending map[string]*pendingResumeEntry // notify ref -> entry
}

// NewTelegram constructs a Telegram adapter. resumeIndex may be nil to
// disable resume-token footer indexing.
func NewTelegram(resumeIndex ResumeIndex, appendResumeFooter bool) *Telegram {
	return &Telegram{resumeIndex: resumeIndex, footer: appendResumeFooter, pending: make(map[string]*pendingResumeEntry)}
}

func (t *Telegram) EmitStreamOutput(_ context.Context, meta map[string]interface{}, fullText, _ string) (OutboundPayload, bool) {
	if fullText == "" {
		return OutboundPayload{}, false
	}
	runID, _ := meta["run_id"].(string)
	progressMsgID, _ := meta["progress_msg_id"].(string)
	answerMsgID, _ := meta["answer_msg_id"].(string)
	lastSent, _ := meta["last_sent_text"].(string)
	userMsgID, _ := meta["user_msg_id"].(string)

	text := t.Truncate(fullText)
	if text == lastSent {
		return OutboundPayload{}, false
	}

	if answerMsgID != "" {
		return OutboundPayload{
			Kind:           "edit",
			Content:        map[string]interface{}{"message_id": answerMsgID, "text": text},
			IdempotencyKey: runID + ":answer:edit",
			Meta:           meta,
		}, true
	}

	if createRef, _ := meta["answer_create_ref"].(string); createRef != "" {
		meta["deferred_answer_text"] = text
		return OutboundPayload{}, false
	}

	createRef := runID + ":answer:create"
	meta["answer_create_ref"] = createRef
	_ = progressMsgID
	return OutboundPayload{
		Kind:           "text",
		Content:        text,
		ReplyTo:        userMsgID,
		IdempotencyKey: createRef,
		Meta:           meta,
	}, true
}

func (t *Telegram) FinalizeStream(_ context.Context, meta map[string]interface{}, finalText string) OutboundPayload {
	runID, _ := meta["run_id"].(string)
	fullText, _ := meta["full_text"].(string)
	buffer, _ := meta["buffer"].(string)
	answerMsgID, _ := meta["answer_msg_id"].(string)
	userMsgID, _ := meta["user_msg_id"].(string)

	effective := firstNonEmpty(finalText, fullText, buffer, "Done")
	if t.footer {
		if resumeToken, _ := meta["resume_token_footer"].(string); resumeToken != "" && !strings.Contains(effective, resumeToken) {
			effective = effective + "\n\n" + resumeToken
		}
	}
	text := t.Truncate(effective)

	if answerMsgID != "" {
		return OutboundPayload{
			Kind:           "edit",
			Content:        map[string]interface{}{"message_id": answerMsgID, "text": text},
			IdempotencyKey: runID + ":final:send",
			Meta:           meta,
		}
	}
	return OutboundPayload{
		Kind:           "text",
		Content:        text,
		ReplyTo:        userMsgID,
		IdempotencyKey: runID + ":final:send",
		Meta:           meta,
	}
}

func (t *Telegram) EmitToolStatus(_ context.Context, meta map[string]interface{}, text string, anyRunning, finalized bool) (OutboundPayload, bool) {
	runID, _ := meta["run_id"].(string)
	statusMsgID, _ := meta["status_msg_id"].(string)
	progressKnown, _ := meta["progress_msg_id"].(string)

	if text == "" {
		// A run with no tool actions finalizes silently, unless a known
		// progress message would be left dangling — that one gets "Done".
		if finalized && progressKnown != "" {
			return OutboundPayload{
				Kind:           "edit",
				Content:        map[string]interface{}{"message_id": progressKnown, "text": "Done"},
				IdempotencyKey: runID + ":status:done",
				Meta:           meta,
			}, true
		}
		return OutboundPayload{}, false
	}

	rendered := text
	if progressKnown != "" && anyRunning {
		rendered = "Running…\n\n" + rendered
	}

	if statusMsgID != "" {
		payload := OutboundPayload{
			Kind:           "edit",
			Content:        map[string]interface{}{"message_id": statusMsgID, "text": rendered},
			IdempotencyKey: runID + ":status:edit",
			Meta:           meta,
		}
		if !finalized {
			payload.Meta = withReplyMarkup(meta, t.ToolStatusReplyMarkup(runID))
		}
		return payload, true
	}

	if createRef, _ := meta["status_create_ref"].(string); createRef != "" {
		meta["deferred_text"] = rendered
		return OutboundPayload{}, false
	}

	createRef := runID + ":status:create"
	meta["status_create_ref"] = createRef
	return OutboundPayload{
		Kind:           "text",
		Content:        rendered,
		IdempotencyKey: createRef,
		Meta:           withReplyMarkup(meta, t.ToolStatusReplyMarkup(runID)),
	}, true
}

func withReplyMarkup(meta map[string]interface{}, markup interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["reply_markup"] = markup
	return out
}

func (t *Telegram) HandleDeliveryAck(meta map[string]interface{}, ack DeliveryAck) {
	if ack.Err != nil || ack.MessageID == "" {
		return
	}
	switch {
	case strings.HasSuffix(ack.IdempotencyKey, ":answer:create"):
		meta["answer_msg_id"] = ack.MessageID
		delete(meta, "answer_create_ref")
		if deferred, ok := meta["deferred_answer_text"].(string); ok && deferred != "" {
			meta["pending_answer_edit"] = deferred
			delete(meta, "deferred_answer_text")
		}
		if t.resumeIndex != nil {
			if engine, _ := meta["resume_engine"].(string); engine != "" {
				value, _ := meta["resume_value"].(string)
				t.scheduleResumeIndex(ack.IdempotencyKey, ack.MessageID, engine, value)
			}
		}
	case strings.HasSuffix(ack.IdempotencyKey, ":status:create"):
		meta["status_msg_id"] = ack.MessageID
		delete(meta, "status_create_ref")
		if deferred, ok := meta["deferred_text"].(string); ok && deferred != "" {
			meta["pending_status_edit"] = deferred
			delete(meta, "deferred_text")
		}
	}
}

// scheduleResumeIndex retries IndexResume with base 2s, doubling, capped
// at 30s, up to 4 attempts.
func (t *Telegram) scheduleResumeIndex(ref, messageID, engine, value string) {
	t.mu.Lock()
	entry := &pendingResumeEntry{messageID: messageID, engine: engine, value: value}
	t.pending[ref] = entry
	t.mu.Unlock()
	go t.retryResumeIndex(ref)
}

func (t *Telegram) retryResumeIndex(ref string) {
	delay := 2 * time.Second
	const maxAttempts = 4
	const maxDelay = 30 * time.Second
	for {
		t.mu.Lock()
		entry, ok := t.pending[ref]
		t.mu.Unlock()
		if !ok {
			return
		}
		err := t.resumeIndex.IndexResume(context.Background(), entry.messageID, entry.engine, entry.value)
		if err == nil {
			t.mu.Lock()
			delete(t.pending, ref)
			t.mu.Unlock()
			return
		}
		entry.attempts++
		if entry.attempts >= maxAttempts {
			t.mu.Lock()
			delete(t.pending, ref)
			t.mu.Unlock()
			return
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (t *Telegram) Truncate(text string) string {
	r := []rune(text)
	if len(r) <= telegramMaxChars {
		return text
	}
	return string(r[:telegramMaxChars])
}

func (t *Telegram) ToolStatusReplyMarkup(runID string) interface{} {
	return map[string]interface{}{
		"inline_keyboard": [][]map[string]string{
			{{"text": "Cancel", "callback_data": fmt.Sprintf("lemon:cancel:%s", runID)}},
		},
	}
}

func (t *Telegram) LimitOrder(ids []string) ([]string, int) {
	if len(ids) <= telegramToolStatusLimit {
		return ids, 0
	}
	omitted := len(ids) - telegramToolStatusLimit
	return ids[omitted:], omitted
}

func (t *Telegram) FormatActionExtra(a ActionView) string {
	if a.Detail == nil {
		return ""
	}
	if a.Kind == "subagent" {
		engine, _ := a.Detail["engine"].(string)
		role, _ := a.Detail["role"].(string)
		via, _ := a.Detail["async_via"].(string)
		if engine == "" && role == "" && via == "" {
			return ""
		}
		return fmt.Sprintf("(engine=%s role=%s async via=%s)", engine, role, via)
	}
	if a.Kind == "command" {
		status, _ := a.Detail["status"].(string)
		exit, _ := a.Detail["exit_code"]
		cmd, _ := a.Detail["command"].(string)
		return fmt.Sprintf("(status=%s exit=%v) cmd: %q", status, exit, cmd)
	}
	return ""
}

func (t *Telegram) AutoSendConfig() AutoSendConfig {
	return AutoSendConfig{
		Enabled:  true,
		MaxFiles: 10,
		AllowedExts: []string{
			".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg", ".tif", ".tiff", ".heic", ".heif",
		},
	}
}

func (t *Telegram) FilesMaxDownloadBytes() int64 { return 50 * 1024 * 1024 }

func (t *Telegram) SkipNonStreamingFinalEmit() bool { return true }

func (t *Telegram) ShouldFinalizeStream() bool { return true }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
