// Package keyword evaluates inbound mesh packets against the configured
// keyword list and builds the automatic signal-report replies.
package keyword

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/config"
	"github.com/tinyland-inc/meshgram/pkg/nodes"
)

// Job is one auto-reply to send over the mesh, threaded as a reply to
// the triggering packet.
type Job struct {
	Text       string
	DestNodeID string // empty broadcasts on the packet's channel
	ReplyToID  uint32
}

// Result of evaluating one packet. When no keyword matched all fields
// are zero. Filtered means a keyword matched but the hop filter
// suppressed the mesh reply; ChatNotice still describes what would have
// been sent.
type Result struct {
	Matched    bool
	Filtered   bool
	Job        *Job
	ChatNotice string
}

// Evaluate checks pkt against the config's keywords and, on a match,
// builds the reply. Private packets only get replies when the sender is
// on the private allowlist.
func Evaluate(pkt *bus.MeshPacket, sender nodes.Identity, cfg *config.Config) Result {
	if !Matches(pkt.Text, cfg.KeywordsLower(), cfg.KeywordMatch) {
		return Result{}
	}

	name := senderName(sender, pkt.FromNodeID)

	if pkt.Private {
		if !cfg.IsPrivateNodeAllowed(sender.ShortName) && !cfg.IsPrivateNodeAllowed(sender.LongName) {
			return Result{}
		}
		text := signalReply(name, pkt, cfg.PrivateSuffix)
		return Result{
			Matched:    true,
			Job:        &Job{Text: text, DestNodeID: pkt.FromNodeID, ReplyToID: pkt.PacketID},
			ChatNotice: text,
		}
	}

	text := broadcastReply(name, pkt, cfg.GeneralSuffix)

	if hops := pkt.HopCount(); hops >= 0 && cfg.HopFilter != nil && cfg.HopFilter.Contains(hops) {
		return Result{Matched: true, Filtered: true, ChatNotice: text}
	}

	return Result{
		Matched:    true,
		Job:        &Job{Text: text, ReplyToID: pkt.PacketID},
		ChatNotice: text,
	}
}

// broadcastReply reports hop distance when the packet carries hop
// accounting and was relayed; direct or hop-less packets get the signal
// report instead.
func broadcastReply(name string, pkt *bus.MeshPacket, suffix string) string {
	if hops := pkt.HopCount(); hops > 0 {
		return withSuffix(fmt.Sprintf("%s %d hops", name, hops), suffix)
	}
	return signalReply(name, pkt, suffix)
}

func signalReply(name string, pkt *bus.MeshPacket, suffix string) string {
	return withSuffix(fmt.Sprintf("%s SNR: %.2f, RSSI: %d", name, pkt.SNR, pkt.RSSI), suffix)
}

func withSuffix(text, suffix string) string {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return text
	}
	return text + " " + suffix
}

func senderName(sender nodes.Identity, fallback string) string {
	if sender.ShortName != "" {
		return sender.ShortName
	}
	if sender.LongName != "" {
		return sender.LongName
	}
	return fallback
}

// Matches reports whether text triggers any keyword under the given
// policy. Token matching splits on whitespace and strips surrounding
// punctuation, so "ping!" still triggers "ping".
func Matches(text string, keywordsLower []string, policy string) bool {
	if len(keywordsLower) == 0 {
		return false
	}
	lower := strings.ToLower(text)

	if policy == config.MatchSubstring {
		for _, kw := range keywordsLower {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	}

	for _, tok := range strings.Fields(lower) {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		for _, kw := range keywordsLower {
			if tok == kw {
				return true
			}
		}
	}
	return false
}
