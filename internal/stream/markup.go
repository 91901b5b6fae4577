package stream

import (
	"regexp"
	"strings"
)

// ConvertMarkup rewrites text from the source lightweight markup (a
// superset of common conventions: fenced code, inline code, bold, italic,
// links, lists, blockquotes) into the platform's target markup dialect.
// The two dialects share most punctuation, so conversion is a set of
// narrow substitutions. Characters the target markup treats specially are
// not escaped when they appear as literal text.
func ConvertMarkup(text string) string {
	text = convertBoldItalic(text)
	text = convertUnderlineStrike(text)
	text = convertBlockquotes(text)
	return text
}

var (
	boldPattern       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underscoreItalic  = regexp.MustCompile(`(^|[^\w])_(\S(?:.*?\S)?|\S)_([^\w]|$)`)
	underlinePattern  = regexp.MustCompile(`__(.+?)__`)
	strikePattern     = regexp.MustCompile(`~~(.+?)~~`)
	blockquoteLineRe  = regexp.MustCompile(`(?m)^> ?(.*)$`)
)

func convertBoldItalic(text string) string {
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = underscoreItalic.ReplaceAllString(text, "${1}_${2}_${3}")
	return text
}

func convertUnderlineStrike(text string) string {
	text = underlinePattern.ReplaceAllString(text, "__${1}__")
	text = strikePattern.ReplaceAllString(text, "~$1~")
	return text
}

// convertBlockquotes normalizes "> quoted" lines to the target dialect's
// blockquote marker, which is identical in this pair of dialects but kept
// as an explicit pass so future target dialects have one seam to change.
func convertBlockquotes(text string) string {
	return blockquoteLineRe.ReplaceAllString(text, ">$1")
}

// tagKind classifies a markup tag for split purposes.
type tagKind int

const (
	kindInline tagKind = iota
	kindBlock
)

type markerSpec struct {
	marker string
	kind   tagKind
}

// trackedMarkers lists, longest-first, the target dialect's toggle markers
// that SplitSegments must track to keep emitted segments independently
// valid. Fenced code is the only block-scoped marker; the rest toggle
// inline runs. Blockquote lines are not tracked, so a split inside a
// blockquote is neither closed nor reopened.
var trackedMarkers = []markerSpec{
	{"```", kindBlock},
	{"__", kindInline},
	{"~", kindInline},
	{"*", kindInline},
	{"_", kindInline},
	{"`", kindInline},
}

// SplitSegments splits converted text into chunks of at most limit
// characters, preferring a newline within lookback characters of the hard
// boundary. When a candidate boundary falls inside an open tag, inline tags
// are moved whole to the next segment (backtrack before the opener); block
// tags are closed at the boundary and reopened at the start of the next
// segment.
func SplitSegments(text string, limit, lookback int) []string {
	var segments []string
	for len(text) > limit {
		cut := findCut(text, limit, lookback)
		cut = adjustForOpenTags(text, cut)
		if cut <= 0 {
			cut = limit
		}
		head, tail := text[:cut], text[cut:]
		closed, reopened := closeAndReopenBlockTags(head, tail)
		segments = append(segments, closed)
		text = reopened
	}
	if text != "" {
		segments = append(segments, text)
	}
	return segments
}

func findCut(text string, limit, lookback int) int {
	hardLimit := limit
	if hardLimit > len(text) {
		hardLimit = len(text)
	}
	searchFrom := hardLimit - lookback
	if searchFrom < 0 {
		searchFrom = 0
	}
	if idx := strings.LastIndexByte(text[searchFrom:hardLimit], '\n'); idx >= 0 {
		return searchFrom + idx + 1
	}
	return hardLimit
}

// adjustForOpenTags backtracks cut to before the last unmatched inline
// marker's opening occurrence, if any marker is unmatched at cut. Block
// markers are left alone here; closeAndReopenBlockTags handles them by
// closing in place rather than moving the boundary. Fence markers are masked
// (same length, so indices hold) so their backticks are not counted as
// inline code.
func adjustForOpenTags(text string, cut int) int {
	prefix := strings.ReplaceAll(text[:cut], "```", "\x00\x00\x00")
	for _, m := range trackedMarkers {
		if m.kind != kindInline {
			continue
		}
		if strings.Count(prefix, m.marker)%2 == 1 {
			if idx := strings.LastIndex(prefix, m.marker); idx >= 0 {
				if idx < cut {
					cut = idx
				}
			}
		}
	}
	return cut
}

// closeAndReopenBlockTags closes any block tag still open at the end of
// head by appending its marker, and reopens it at the start of tail by
// prepending the same marker, so both halves remain independently valid
// markup.
func closeAndReopenBlockTags(head, tail string) (closedHead, reopenedTail string) {
	for _, m := range trackedMarkers {
		if m.kind != kindBlock {
			continue
		}
		if strings.Count(head, m.marker)%2 == 1 {
			head += m.marker
			tail = m.marker + tail
		}
	}
	return head, tail
}
