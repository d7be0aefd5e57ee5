package channeladapter

import (
	"context"
	"fmt"
)

// maxChunkChars bounds a single "text" chunk payload on non-edit channels.
const maxChunkChars = 4000

// Generic is the Adapter for channels with no message-edit capability: it
// never edits, emits one text payload per flush, and finalizes by sending
// the accumulated final text as one more text payload.
type Generic struct{}

func NewGeneric() Generic { return Generic{} }

func (Generic) EmitStreamOutput(_ context.Context, meta map[string]interface{}, _ string, chunk string) (OutboundPayload, bool) {
	if chunk == "" {
		return OutboundPayload{}, false
	}
	runID, _ := meta["run_id"].(string)
	seq, _ := meta["seq"].(int64)
	return OutboundPayload{
		Kind:           "text",
		Content:        chunk,
		IdempotencyKey: fmt.Sprintf("%s:answer:%d", runID, seq),
		Meta:           meta,
	}, true
}

func (g Generic) FinalizeStream(_ context.Context, meta map[string]interface{}, finalText string) OutboundPayload {
	runID, _ := meta["run_id"].(string)
	if finalText == "" {
		finalText = "Done"
	}
	return OutboundPayload{
		Kind:           "text",
		Content:        g.Truncate(finalText),
		IdempotencyKey: runID + ":final:send",
		Meta:           meta,
	}
}

func (Generic) EmitToolStatus(_ context.Context, meta map[string]interface{}, text string, _ bool, finalized bool) (OutboundPayload, bool) {
	if text == "" {
		return OutboundPayload{}, false
	}
	runID, _ := meta["run_id"].(string)
	phase := "status"
	if finalized {
		phase = "status:final"
	}
	return OutboundPayload{
		Kind:           "text",
		Content:        text,
		IdempotencyKey: runID + ":" + phase,
		Meta:           meta,
	}, true
}

func (Generic) HandleDeliveryAck(map[string]interface{}, DeliveryAck) {}

func (Generic) Truncate(text string) string {
	if len(text) <= maxChunkChars {
		return text
	}
	return text[:maxChunkChars]
}

func (Generic) ToolStatusReplyMarkup(string) interface{} { return nil }

func (Generic) LimitOrder(ids []string) ([]string, int) { return ids, 0 }

func (Generic) FormatActionExtra(ActionView) string { return "" }

func (Generic) AutoSendConfig() AutoSendConfig { return AutoSendConfig{Enabled: false} }

func (Generic) FilesMaxDownloadBytes() int64 { return 20 * 1024 * 1024 }

func (Generic) SkipNonStreamingFinalEmit() bool { return false }

func (Generic) ShouldFinalizeStream() bool { return true }
