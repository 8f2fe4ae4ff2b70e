package llm

import (
	"regexp"
	"strconv"
	"strings"
)

var codeBlockRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\n?```")

// StripMarkdownCodeBlock removes a ```json ... ``` fence around a response.
// Text outside the first fenced block is discarded.
func StripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	if matches := codeBlockRe.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	// If no code block, return as-is
	return response
}

// ExtractJSONObject returns the outermost {...} span, or "" if none is balanced
func ExtractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ExtractLabeledNumber finds the first number following any of the labels,
// e.g. "take profit: 3.5%" or "stopLoss = -2". Reports whether one was found.
func ExtractLabeledNumber(text string, labels ...string) (float64, bool) {
	for _, label := range labels {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(label) + `["']?\s*(?:[:=]|is|of)?\s*["']?\s*(-?\d+(?:\.\d+)?)`)
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
