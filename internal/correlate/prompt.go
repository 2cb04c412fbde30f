package correlate

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// **prompt** - <@123> (fast)
	// **prompt** - Image #2 <@123>
	// **prompt** - Variations (Strong) by <@123> (relaxed)
	boldPrompt = regexp.MustCompile(`(?s)^\*\*(.*?)\*\*(?:\s+-\s+|$)`)
	linkRe     = regexp.MustCompile(`<?https?://[^\s>]+>?`)
	paramRe    = regexp.MustCompile(`(?:^|\s)--[A-Za-z][\w-]*(?:\s+[^\s-][^\s]*)*`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// ExtractPrompt returns the bold prompt the vendor echoes at the start of a
// message, or "" when the content has none.
func ExtractPrompt(content string) string {
	m := boldPrompt.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Normalize applies NFC and collapses whitespace.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Formatted strips parameters and links, leaving the descriptive text.
func Formatted(s string) string {
	s = norm.NFC.String(s)
	s = linkRe.ReplaceAllString(s, " ")
	s = paramRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Parameterized keeps parameters but replaces each link with a placeholder
// and normalizes whitespace.
func Parameterized(s string) string {
	s = norm.NFC.String(s)
	s = linkRe.ReplaceAllString(s, " <link> ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// contains implements the prompt containment test: equal, job ends with the
// event text, or the event text starts with the job text.
func contains(job, event string) bool {
	if job == "" || event == "" {
		return false
	}
	return job == event || strings.HasSuffix(job, event) || strings.HasPrefix(event, job)
}
