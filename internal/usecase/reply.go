package usecase

import (
	"regexp"
	"strings"
)

// EscalationMarker is the exact reply the assistant is instructed to give
// when the conversation should go to a human.
const EscalationMarker = "[[HANDOFF]]"

var (
	imagePattern      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	fencePattern      = regexp.MustCompile("(?m)^[ \t]*```[^\n]*\n?")
	strongStarPattern = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	strongUndPattern  = regexp.MustCompile(`__([^_\n]+?)__`)
	strikePattern     = regexp.MustCompile(`~~([^~\n]+?)~~`)
	emStarPattern     = regexp.MustCompile(`(^|[^\w*])\*([^*\s](?:[^*\n]*[^*\s])?)\*`)
	emUndPattern      = regexp.MustCompile(`(^|[^\w_])_([^_\s](?:[^_\n]*[^_\s])?)_([^\w_]|$)`)
)

// SanitizeReply strips Markdown link, emphasis and code markup from generated
// text, keeping link labels. Text without markup is returned unchanged.
func SanitizeReply(raw string) string {
	s := imagePattern.ReplaceAllString(raw, "$1")
	s = linkPattern.ReplaceAllString(s, "$1")
	s = fencePattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "`", "")
	s = strongStarPattern.ReplaceAllString(s, "$1")
	s = strongUndPattern.ReplaceAllString(s, "$1")
	s = strikePattern.ReplaceAllString(s, "$1")
	s = replaceAll(emStarPattern, s, "$1$2")
	s = replaceAll(emUndPattern, s, "$1$2$3")
	return s
}

// replaceAll repeats the replacement until nothing matches. The emphasis
// patterns consume their boundary characters, so adjacent spans such as
// "_a_ _b_" need more than one pass. Each pass removes delimiters, which
// bounds the loop.
func replaceAll(re *regexp.Regexp, s, repl string) string {
	for {
		next := re.ReplaceAllString(s, repl)
		if next == s {
			return s
		}
		s = next
	}
}

// IsEscalation reports whether raw is exactly the escalation marker. Replies
// that merely mention it are ordinary text.
func IsEscalation(raw string) bool {
	return strings.TrimSpace(raw) == EscalationMarker
}
