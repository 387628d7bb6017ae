// Package bridge routes traffic between the chat service and the mesh
// radio. The Router is the bus's only consumer; every cross-activity
// state change (reply table, message forwarding, command handling)
// happens on its loop, which is what gives the bridge a total order
// over events from both sides.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/channels"
	"github.com/tinyland-inc/meshgram/pkg/chunk"
	"github.com/tinyland-inc/meshgram/pkg/config"
	"github.com/tinyland-inc/meshgram/pkg/keyword"
	"github.com/tinyland-inc/meshgram/pkg/logger"
	"github.com/tinyland-inc/meshgram/pkg/mesh"
	"github.com/tinyland-inc/meshgram/pkg/msglog"
	"github.com/tinyland-inc/meshgram/pkg/nodes"
)

// Options tune the router's periodic duties. Zero values pick the
// defaults; tests inject short intervals and a no-op sleep.
type Options struct {
	SweepInterval time.Duration
	ScanInterval  time.Duration
	// Sleep paces multi-part mesh sends; nil uses time.Sleep.
	Sleep func(time.Duration)
}

// Router is the single consumer of the event bus.
type Router struct {
	bus       *bus.EventBus
	store     *config.Store
	registry  *nodes.Registry
	assembler *chunk.Assembler
	manager   *mesh.Manager
	chat      channels.Channel
	log       *msglog.Writer

	ring  *replyRing
	opts  Options
	sleep func(time.Duration)
}

func NewRouter(
	b *bus.EventBus,
	store *config.Store,
	registry *nodes.Registry,
	assembler *chunk.Assembler,
	manager *mesh.Manager,
	chat channels.Channel,
	log *msglog.Writer,
	opts Options,
) *Router {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Minute
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Router{
		bus:       b,
		store:     store,
		registry:  registry,
		assembler: assembler,
		manager:   manager,
		chat:      chat,
		log:       log,
		ring:      newReplyRing(500),
		opts:      opts,
		sleep:     sleep,
	}
}

// Run consumes events until ctx is canceled. A failure handling one
// event is logged and reported to chat; the loop never aborts.
func (r *Router) Run(ctx context.Context) {
	go r.runTickers(ctx)

	for {
		ev, ok := r.bus.Consume(ctx)
		if !ok {
			logger.InfoC("router", "Event loop stopped")
			return
		}
		switch {
		case ev.Chat != nil:
			r.handleChat(ctx, ev.Chat)
		case ev.Mesh != nil:
			r.handleMesh(ctx, ev.Mesh)
		case ev.Lifecycle != nil:
			r.handleLifecycle(ctx, ev.Lifecycle)
		}
	}
}

// runTickers drives the assembler sweep and the periodic node scan.
// Both touch only structures with their own locks, so they can run off
// the consumer loop.
func (r *Router) runTickers(ctx context.Context) {
	sweep := time.NewTicker(r.opts.SweepInterval)
	defer sweep.Stop()
	scan := time.NewTicker(r.opts.ScanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := r.assembler.Sweep(time.Now()); n > 0 {
				logger.WarnCF("router", "Expired incomplete message groups", map[string]any{"groups": n})
			}
		case <-scan.C:
			r.scanNodes()
		}
	}
}

// scanNodes refreshes the registry from the device node database.
func (r *Router) scanNodes() {
	infos := r.manager.Nodes()
	now := time.Now()
	for _, ni := range infos {
		at := ni.LastHeard
		if at.IsZero() {
			at = now
		}
		r.registry.Upsert(ni.NodeID, ni.ShortName, ni.LongName, ni.SNR, ni.RSSI, at)
	}
	if len(infos) > 0 {
		logger.DebugCF("router", "Node scan complete", map[string]any{"nodes": len(infos)})
	}
}

func (r *Router) handleChat(ctx context.Context, msg *bus.ChatMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		r.dispatchCommand(ctx, msg, text)
		return
	}

	// A chat reply to a bridged private message goes back to that node
	// instead of being broadcast.
	dest := ""
	var replyID uint32
	if msg.ReplyToID != "" {
		if e, ok := r.ring.byChat(msg.ReplyToID); ok {
			replyID = e.meshID
			if e.private {
				dest = e.nodeID
			}
		}
	}

	sender := msg.Sender
	if sender == "" {
		sender = "chat"
	}
	outText := fmt.Sprintf("%s: %s", sender, text)

	firstID, err := r.sendToMesh(ctx, outText, dest, replyID)
	if err != nil {
		r.reportError(ctx, msg.MessageID, "Mesh send failed", err)
		return
	}

	r.ring.add(replyEntry{
		meshID:    firstID,
		chatMsgID: msg.MessageID,
		nodeID:    dest,
		private:   dest != "",
	})
	r.logMessage(dest != "", msglog.DirOut, sender, text)
}

// sendToMesh splits text per the live config and sends the parts with
// fixed pacing. Only the first part carries the reply id; the id of the
// first part identifies the whole message for later correlation.
func (r *Router) sendToMesh(ctx context.Context, text, destNodeID string, replyID uint32) (uint32, error) {
	cfg := r.store.Current()
	parts, err := chunk.Split(text, cfg.MaxBytes)
	if err != nil {
		return 0, err
	}

	var firstID uint32
	for i, p := range parts {
		if i > 0 {
			r.sleep(time.Duration(cfg.PartDelayMs) * time.Millisecond)
		}
		req := mesh.SendRequest{
			DestNodeID:  destNodeID,
			Text:        p.Payload,
			ChannelName: cfg.DefaultChannel,
		}
		if i == 0 {
			req.ReplyID = replyID
		}
		id, err := r.manager.Send(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("part %d/%d: %w", p.Index, p.Total, err)
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID, nil
}

func (r *Router) handleMesh(ctx context.Context, pkt *bus.MeshPacket) {
	r.registry.Touch(pkt.FromNodeID, pkt.SNR, pkt.RSSI, pkt.RxTime)
	sender, _ := r.registry.Resolve(pkt.FromNodeID)
	cfg := r.store.Current()

	part := chunk.ParseMarker(pkt.Text)
	groupKey := fmt.Sprintf("%s|%s|%t", pkt.FromNodeID, pkt.ChannelName, pkt.Private)
	full, done := r.assembler.Absorb(groupKey, part, time.Now())
	if !done {
		logger.DebugCF("router", "Buffered message part", map[string]any{
			"from": pkt.FromNodeID, "part": part.Index, "total": part.Total,
		})
		return
	}
	pkt.Text = full

	name := displayName(sender, pkt.FromNodeID)

	if pkt.Private && !r.privateAllowed(cfg, sender) {
		logger.InfoCF("router", "Private message from unlisted node not forwarded",
			map[string]any{"from": name})
		r.logMessage(true, msglog.DirIn, name, pkt.Text)
		return
	}

	line := formatInbound(name, pkt)

	replyTo := ""
	if pkt.ReplyID != 0 {
		if e, ok := r.ring.byMesh(pkt.ReplyID); ok {
			replyTo = e.chatMsgID
		}
	}

	chatID, err := r.chat.Send(ctx, channels.Outbound{Text: line, ReplyToID: replyTo})
	if err != nil {
		logger.ErrorCF("router", "Chat forward failed", map[string]any{
			"from": name, "error": err.Error(),
		})
	} else {
		r.ring.add(replyEntry{
			meshID:    pkt.PacketID,
			chatMsgID: chatID,
			nodeID:    pkt.FromNodeID,
			private:   pkt.Private,
		})
	}
	r.logMessage(pkt.Private, msglog.DirIn, name, pkt.Text)

	r.autoReply(ctx, pkt, sender, cfg)
}

// autoReply runs the keyword responder over a completed inbound message
// and sends the mesh reply plus the chat-side notice.
func (r *Router) autoReply(ctx context.Context, pkt *bus.MeshPacket, sender nodes.Identity, cfg *config.Config) {
	res := keyword.Evaluate(pkt, sender, cfg)
	if !res.Matched {
		return
	}

	if res.Filtered {
		r.notify(ctx, fmt.Sprintf("[FILTERED] %s", res.ChatNotice))
		logger.InfoCF("router", "Keyword reply suppressed by hop filter", map[string]any{
			"from": pkt.FromNodeID, "hops": pkt.HopCount(),
		})
		return
	}

	req := mesh.SendRequest{
		DestNodeID:  res.Job.DestNodeID,
		Text:        res.Job.Text,
		ChannelName: pkt.ChannelName,
		ReplyID:     res.Job.ReplyToID,
	}
	if _, err := r.manager.Send(ctx, req); err != nil {
		logger.ErrorCF("router", "Keyword reply failed", map[string]any{"error": err.Error()})
		return
	}
	r.notify(ctx, fmt.Sprintf("[BOT] %s", res.ChatNotice))
	r.logMessage(pkt.Private, msglog.DirBot, "bot", res.Job.Text)
}

func (r *Router) handleLifecycle(ctx context.Context, lc *bus.Lifecycle) {
	switch lc.State {
	case bus.LinkConnected:
		r.notify(ctx, fmt.Sprintf("Connected to radio at %s", lc.Endpoint))
	case bus.LinkDisconnected:
		if lc.Err != "" {
			r.notify(ctx, fmt.Sprintf("Lost radio at %s: %s", lc.Endpoint, lc.Err))
		} else {
			r.notify(ctx, fmt.Sprintf("Disconnected from radio at %s", lc.Endpoint))
		}
	case bus.LinkReconnectAttempt:
		// Attempts are noisy; only tell chat about the first one.
		if lc.Attempt == 1 {
			r.notify(ctx, fmt.Sprintf("Reconnecting to radio at %s", lc.Endpoint))
		}
	}
}

// privateAllowed checks the sender against the private allowlist by
// either name.
func (r *Router) privateAllowed(cfg *config.Config, sender nodes.Identity) bool {
	return cfg.IsPrivateNodeAllowed(sender.ShortName) || cfg.IsPrivateNodeAllowed(sender.LongName)
}

// notify sends a bridge-originated status line to chat, best effort.
func (r *Router) notify(ctx context.Context, text string) {
	if _, err := r.chat.Send(ctx, channels.Outbound{Text: text}); err != nil {
		logger.WarnCF("router", "Chat notice failed", map[string]any{"error": err.Error()})
	}
}

func (r *Router) reportError(ctx context.Context, replyToID, prefix string, err error) {
	logger.ErrorCF("router", prefix, map[string]any{"error": err.Error()})
	msg := channels.Outbound{
		Text:      fmt.Sprintf("%s: %v", prefix, err),
		ReplyToID: replyToID,
	}
	if _, sendErr := r.chat.Send(ctx, msg); sendErr != nil {
		logger.WarnCF("router", "Error notice failed", map[string]any{"error": sendErr.Error()})
	}
}

func (r *Router) logMessage(private bool, dir msglog.Direction, who, text string) {
	var err error
	if private {
		err = r.log.Private(dir, who, text)
	} else {
		err = r.log.General(dir, who, text)
	}
	if err != nil {
		logger.WarnCF("router", "Message log write failed", map[string]any{"error": err.Error()})
	}
}

func displayName(sender nodes.Identity, fallback string) string {
	if sender.ShortName != "" {
		return sender.ShortName
	}
	if sender.LongName != "" {
		return sender.LongName
	}
	return fallback
}

// formatInbound renders one mesh message for chat: name, private
// marker, text, then signal or hop info.
func formatInbound(name string, pkt *bus.MeshPacket) string {
	var b strings.Builder
	if pkt.Private {
		fmt.Fprintf(&b, "[PRIVATE from %s] ", name)
	} else {
		fmt.Fprintf(&b, "%s: ", name)
	}
	b.WriteString(pkt.Text)
	if hops := pkt.HopCount(); hops > 0 {
		fmt.Fprintf(&b, " (%d hops)", hops)
	} else {
		fmt.Fprintf(&b, " (SNR %.2f, RSSI %d)", pkt.SNR, pkt.RSSI)
	}
	return b.String()
}
