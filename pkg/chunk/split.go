// Package chunk splits long texts into byte-bounded numbered parts for
// the radio and reassembles inbound multi-part sequences.
package chunk

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrEmptyMessage is returned for empty (or whitespace-only) input.
var ErrEmptyMessage = errors.New("empty message")

// Part is one outbound chunk. Payload already contains the "[i/n] "
// marker for multi-part messages; single parts carry no marker.
type Part struct {
	Index   int
	Total   int
	Payload string
}

// markerReserve is the byte budget initially set aside for the "[i/n] "
// marker; it covers totals up to 999 and grows adaptively beyond that.
const markerReserve = 10

// Split cuts text into parts whose payloads (marker included) never
// exceed maxBytes. Cuts happen at UTF-8 rune boundaries, preferring the
// last space inside the window so parts start on words. The segments
// concatenate back to exactly the input.
func Split(text string, maxBytes int) ([]Part, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if maxBytes < 32 {
		return nil, fmt.Errorf("max bytes %d too small (min 32)", maxBytes)
	}

	if len(text) <= maxBytes {
		return []Part{{Index: 1, Total: 1, Payload: text}}, nil
	}

	reserve := markerReserve
	for {
		limit := maxBytes - reserve
		if limit < 8 {
			return nil, fmt.Errorf("max bytes %d cannot fit multipart marker", maxBytes)
		}
		segs := cutSegments(text, limit)
		need := len(marker(len(segs), len(segs)))
		if need <= reserve {
			parts := make([]Part, len(segs))
			for i, seg := range segs {
				parts[i] = Part{
					Index:   i + 1,
					Total:   len(segs),
					Payload: marker(i+1, len(segs)) + seg,
				}
			}
			return parts, nil
		}
		reserve = need
	}
}

func marker(index, total int) string {
	return fmt.Sprintf("[%d/%d] ", index, total)
}

// cutSegments partitions text into pieces of at most limit bytes whose
// concatenation equals text.
func cutSegments(text string, limit int) []string {
	var segs []string
	rest := text
	for len(rest) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		// Prefer breaking just after the last space in the window.
		if sp := strings.LastIndexByte(rest[:cut], ' '); sp > 0 {
			cut = sp + 1
		}
		if cut == 0 {
			// Single rune wider than the limit cannot happen for
			// limit >= 8, but guard against zero progress.
			_, size := utf8.DecodeRuneInString(rest)
			cut = size
		}
		segs = append(segs, rest[:cut])
		rest = rest[cut:]
	}
	if len(rest) > 0 {
		segs = append(segs, rest)
	}
	return segs
}

var markerRe = regexp.MustCompile(`^\[(\d+)/(\d+)\] `)

// ParseMarker recognizes a leading "[i/n] " marker on an inbound
// payload. Without a marker the payload is a complete single-part
// message.
func ParseMarker(payload string) Part {
	m := markerRe.FindStringSubmatch(payload)
	if m == nil {
		return Part{Index: 1, Total: 1, Payload: payload}
	}
	index, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || index < 1 || total < 1 || index > total {
		return Part{Index: 1, Total: 1, Payload: payload}
	}
	return Part{Index: index, Total: total, Payload: payload[len(m[0]):]}
}
