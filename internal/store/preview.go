// ABOUTME: Shortened message text shown in session lists
// ABOUTME: Collapses whitespace and truncates to a fixed rune count

package store

import "strings"

// PreviewLength is the maximum preview length in runes.
const PreviewLength = 120

// Preview shortens a message body for SessionActivity. Non-text messages
// with no body are shown by type, e.g. "[image]".
func Preview(body, msgType string) string {
	body = strings.Join(strings.Fields(body), " ")
	if body == "" && msgType != "" && msgType != "text" {
		return "[" + msgType + "]"
	}
	r := []rune(body)
	if len(r) <= PreviewLength {
		return body
	}
	return string(r[:PreviewLength-1]) + "…"
}
