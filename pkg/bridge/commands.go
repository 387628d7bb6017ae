package bridge

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/logger"
	"github.com/tinyland-inc/meshgram/pkg/mesh"
	"github.com/tinyland-inc/meshgram/pkg/msglog"
)

const helpText = `Commands:
/connect <host> [port] - connect to a radio (persisted)
/disconnect - drop the radio link, no auto-reconnect
/pm <node> <text> - private message a node by short name or !hex id
/status - bridge status
/set_preset <preset> [slot] - set the radio modem preset
/help - this text
Anything else is broadcast to the mesh.`

// dispatchCommand handles a leading-slash chat message. Telegram
// appends "@botname" to commands in groups; strip it.
func (r *Router) dispatchCommand(ctx context.Context, msg *bus.ChatMessage, text string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	logger.InfoCF("router", "Command received", map[string]any{
		"command": cmd, "sender": msg.Sender,
	})

	switch cmd {
	case "/help", "/start":
		r.notify(ctx, helpText)
	case "/status":
		r.notify(ctx, r.statusText())
	case "/connect":
		r.cmdConnect(ctx, msg, args)
	case "/disconnect":
		r.manager.Disconnect()
		r.notify(ctx, "Radio disconnected. Auto-reconnect is off until /connect.")
	case "/pm":
		r.cmdPrivateMessage(ctx, msg, args)
	case "/set_preset":
		r.cmdSetPreset(ctx, msg, args)
	default:
		r.notify(ctx, fmt.Sprintf("Unknown command %s. Try /help.", cmd))
	}
}

func (r *Router) cmdConnect(ctx context.Context, msg *bus.ChatMessage, args []string) {
	cfg := r.store.Current()
	host := cfg.Host
	port := cfg.Port

	if len(args) >= 1 {
		host = args[0]
	}
	if len(args) >= 2 {
		p, err := strconv.Atoi(args[1])
		if err != nil || p <= 0 || p > 65535 {
			r.notify(ctx, fmt.Sprintf("Bad port %q", args[1]))
			return
		}
		port = p
	}

	if err := r.store.SaveEndpoint(host, port); err != nil {
		r.reportError(ctx, msg.MessageID, "Saving endpoint failed", err)
		return
	}
	if err := r.manager.Connect(ctx, host, port); err != nil {
		r.reportError(ctx, msg.MessageID, fmt.Sprintf("Connect to %s:%d failed", host, port), err)
		return
	}

	// Rename the device when a long name is configured.
	if name := r.store.Current().NodeLongName; name != "" {
		if err := r.manager.SetLongName(ctx, name); err != nil {
			logger.WarnCF("router", "Device rename failed", map[string]any{"error": err.Error()})
		}
	}
}

func (r *Router) cmdPrivateMessage(ctx context.Context, msg *bus.ChatMessage, args []string) {
	if len(args) < 2 {
		r.notify(ctx, "Usage: /pm <node> <text>")
		return
	}
	target := args[0]
	text := strings.Join(args[1:], " ")

	nodeID := target
	if !strings.HasPrefix(target, "!") {
		id, ok := r.registry.ResolveByName(target)
		if !ok {
			r.notify(ctx, fmt.Sprintf("Unknown node %q. /status lists known nodes.", target))
			return
		}
		nodeID = id
	}

	firstID, err := r.sendToMesh(ctx, text, nodeID, 0)
	if err != nil {
		r.reportError(ctx, msg.MessageID, fmt.Sprintf("PM to %s failed", target), err)
		return
	}
	r.ring.add(replyEntry{
		meshID:    firstID,
		chatMsgID: msg.MessageID,
		nodeID:    nodeID,
		private:   true,
	})
	r.logMessage(true, msglog.DirOut, target, text)
	r.notify(ctx, fmt.Sprintf("PM sent to %s", target))
}

func (r *Router) cmdSetPreset(ctx context.Context, msg *bus.ChatMessage, args []string) {
	if len(args) < 1 {
		names := mesh.PresetNames()
		sort.Strings(names)
		r.notify(ctx, "Usage: /set_preset <preset> [slot]\nPresets: "+strings.Join(names, ", "))
		return
	}
	slot := 0
	if len(args) >= 2 {
		s, err := strconv.Atoi(args[1])
		if err != nil || s < 0 {
			r.notify(ctx, fmt.Sprintf("Bad slot %q", args[1]))
			return
		}
		slot = s
	}

	if err := r.manager.SetPreset(ctx, args[0], slot); err != nil {
		r.reportError(ctx, msg.MessageID, "Preset change failed", err)
		return
	}
	r.notify(ctx, fmt.Sprintf("Preset %s (slot %d) applied. The radio may reboot.",
		strings.ToUpper(args[0]), slot))
}

func (r *Router) statusText() string {
	info := r.manager.Info()
	cfg := r.store.Current()

	var b strings.Builder
	fmt.Fprintf(&b, "Radio: %s (%s)\n", info.State, info.Endpoint)
	if info.State == mesh.StateConnected && !info.ConnectedAt.IsZero() {
		fmt.Fprintf(&b, "Up: %s\n", time.Since(info.ConnectedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Keywords: %s (%s match)\n",
		strings.Join(cfg.Keywords, ", "), cfg.KeywordMatch)
	if cfg.HopFilter != nil {
		fmt.Fprintf(&b, "Hop filter: [%d,%d]\n", cfg.HopFilter.Min, cfg.HopFilter.Max)
	}
	fmt.Fprintf(&b, "Pending parts: %d groups\n", r.assembler.Pending())
	fmt.Fprintf(&b, "Reply table: %d entries\n", r.ring.len())

	snap := r.registry.Snapshot()
	fmt.Fprintf(&b, "Nodes (%d):", len(snap))
	max := 10
	for i, id := range snap {
		if i == max {
			fmt.Fprintf(&b, "\n  ... and %d more", len(snap)-max)
			break
		}
		name := id.ShortName
		if name == "" {
			name = id.NodeID
		}
		fmt.Fprintf(&b, "\n  %s SNR %.1f RSSI %d", name, id.LastSNR, id.LastRSSI)
	}
	return b.String()
}
