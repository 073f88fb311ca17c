// ABOUTME: Phone number and chat id normalization for gateway addressing
// ABOUTME: Webhooks carry bare numbers or JIDs; sends need a canonical chat id

package gatewayclient

import "strings"

const userJIDSuffix = "@s.whatsapp.net"

// NormalizePhone reduces a number or JID to its digits.
// "+1 (555) 000-1111" and "15550001111@s.whatsapp.net" both become "15550001111".
func NormalizePhone(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i] // device suffix, e.g. "15550001111:12"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeChatID returns the canonical chat id for sending.
// Group ids (@g.us) pass through untouched.
func NormalizeChatID(chatID string) string {
	chatID = strings.TrimSpace(chatID)
	switch {
	case strings.HasSuffix(chatID, "@g.us"):
		return chatID
	case strings.HasSuffix(chatID, "@c.us"):
		return strings.TrimSuffix(chatID, "@c.us") + userJIDSuffix
	case strings.HasSuffix(chatID, userJIDSuffix):
		return chatID
	default:
		phone := NormalizePhone(chatID)
		if phone == "" {
			return chatID
		}
		return phone + userJIDSuffix
	}
}
