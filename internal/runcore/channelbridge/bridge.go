// Package channelbridge wires the runcore coalescers' OutboundGateway
// contract onto internal/channels.Manager, which is chatID-keyed
// (Channel.Send, StreamingChannel.OnChunkEvent) rather than
// message-id-keyed. It is the one concrete OutboundGateway the live
// gateway constructs; internal/runcore/channeladapter.OutboundGateway
// itself stays a transport-agnostic interface.
//
// Like internal/channels/manager.go's HandleAgentEvent, a Channel is
// probed for StreamingChannel via type assertion rather than a
// channel-name switch.
package channelbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/channels"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
)

// Gateway implements channeladapter.OutboundGateway and also satisfies
// stream.AdapterResolver/toolstatus.AdapterResolver (identical method
// shape), so one value wires both coalescer registries and the gateway
// they enqueue through.
type Gateway struct {
	mgr *channels.Manager

	resumeIndex        channeladapter.ResumeIndex
	appendResumeFooter bool

	mu       sync.Mutex
	telegram *channeladapter.Telegram
	generic  channeladapter.Generic
}

// New constructs a Gateway wrapping mgr. resumeIndex may be nil to disable
// Telegram resume-token footer indexing.
func New(mgr *channels.Manager, resumeIndex channeladapter.ResumeIndex, appendResumeFooter bool) *Gateway {
	return &Gateway{
		mgr:                mgr,
		resumeIndex:        resumeIndex,
		appendResumeFooter: appendResumeFooter,
		generic:            channeladapter.NewGeneric(),
	}
}

// Resolve implements stream.AdapterResolver and toolstatus.AdapterResolver.
func (g *Gateway) Resolve(channelID string) (channeladapter.Adapter, channeladapter.OutboundGateway) {
	if channelID == "telegram" {
		g.mu.Lock()
		if g.telegram == nil {
			g.telegram = channeladapter.NewTelegram(g.resumeIndex, g.appendResumeFooter)
		}
		adapter := g.telegram
		g.mu.Unlock()
		return adapter, g
	}
	return g.generic, g
}

// Enqueue implements channeladapter.OutboundGateway, dispatching by the
// idempotency-key suffix the adapters assign (create/edit/final naming)
// rather than by Kind alone, since Kind "edit" covers both answer and
// status edits.
func (g *Gateway) Enqueue(ctx context.Context, payload channeladapter.OutboundPayload) (<-chan channeladapter.DeliveryAck, error) {
	ch, ok := g.mgr.GetChannel(payload.ChannelID)
	if !ok {
		return nil, fmt.Errorf("channelbridge: unknown channel %q", payload.ChannelID)
	}

	ackCh := make(chan channeladapter.DeliveryAck, 1)
	chatID := payload.Peer.ID

	if sc, ok := ch.(channels.StreamingChannel); ok {
		g.deliverStreaming(ctx, sc, chatID, payload, ackCh)
		return ackCh, nil
	}

	g.deliverPlain(ctx, ch, chatID, payload, ackCh)
	return ackCh, nil
}

// deliverStreaming routes an answer/final payload through the channel's
// dual-message streaming surface. Tool-status flushes fall back to
// deliverPlain: StreamingChannel has no edit-by-id primitive for a second,
// independent message, so every status flush becomes a new plain message
// rather than an edit of the previous one (a documented degradation — the
// coalescer's rate bound upstream is still in effect either way).
func (g *Gateway) deliverStreaming(ctx context.Context, sc channels.StreamingChannel, chatID string, payload channeladapter.OutboundPayload, ackCh chan channeladapter.DeliveryAck) {
	key := payload.IdempotencyKey
	text := contentText(payload)

	switch {
	case strings.HasSuffix(key, ":answer:create"):
		if err := sc.OnStreamStart(ctx, chatID); err != nil {
			ackCh <- channeladapter.DeliveryAck{IdempotencyKey: key, Err: err}
			close(ackCh)
			return
		}
		err := sc.OnChunkEvent(ctx, chatID, text)
		ackCh <- channeladapter.DeliveryAck{IdempotencyKey: key, MessageID: "stream:" + chatID, Err: err}
		close(ackCh)
	case strings.HasSuffix(key, ":answer:edit"):
		err := sc.OnChunkEvent(ctx, chatID, text)
		ackCh <- channeladapter.DeliveryAck{IdempotencyKey: key, MessageID: "stream:" + chatID, Err: err}
		close(ackCh)
	case strings.HasSuffix(key, ":final:send"):
		err := sc.OnStreamEnd(ctx, chatID, text)
		ackCh <- channeladapter.DeliveryAck{IdempotencyKey: key, Err: err}
		close(ackCh)
	default:
		g.deliverPlain(ctx, sc, chatID, payload, ackCh)
	}
}

// deliverPlain sends payload as a single outbound message via Channel.Send.
// Channel.Send reports only an error, no assigned message id, so a
// synthesized, stable, non-empty MessageID is used for the "create" cases —
// enough for the Telegram adapter's meta bookkeeping to flip from "no
// message yet" to "message exists" and choose the edit branch on the next
// flush, even though the underlying transport call stays a plain Send.
func (g *Gateway) deliverPlain(ctx context.Context, ch channels.Channel, chatID string, payload channeladapter.OutboundPayload, ackCh chan channeladapter.DeliveryAck) {
	text := contentText(payload)
	err := ch.Send(ctx, bus.OutboundMessage{
		Channel:  payload.ChannelID,
		ChatID:   chatID,
		Content:  text,
		Metadata: replyMarkupMetadata(payload),
	})

	messageID := ""
	if err == nil && (strings.HasSuffix(payload.IdempotencyKey, ":answer:create") || strings.HasSuffix(payload.IdempotencyKey, ":status:create")) {
		messageID = payload.IdempotencyKey
	}
	ackCh <- channeladapter.DeliveryAck{IdempotencyKey: payload.IdempotencyKey, MessageID: messageID, Err: err}
	close(ackCh)
}

// contentText extracts the displayable text from an OutboundPayload.Content,
// which is a plain string for Kind "text" and a
// map[string]interface{}{"message_id":..., "text":...} for Kind "edit".
func contentText(payload channeladapter.OutboundPayload) string {
	switch v := payload.Content.(type) {
	case string:
		return v
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			return text
		}
	}
	return ""
}

// replyMarkupMetadata best-effort threads a reply-markup (the Cancel
// button) into bus.OutboundMessage.Metadata as an opaque string key, since
// that struct has no native reply-markup field. Channels that don't
// understand the key simply ignore it.
func replyMarkupMetadata(payload channeladapter.OutboundPayload) map[string]string {
	if payload.Meta == nil {
		return nil
	}
	markup, ok := payload.Meta["reply_markup"]
	if !ok || markup == nil {
		return nil
	}
	return map[string]string{"reply_markup": fmt.Sprintf("%v", markup)}
}
