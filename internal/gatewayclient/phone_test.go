// ABOUTME: Tests for phone and chat id normalization
// ABOUTME: Table-driven, matching the shapes seen in webhook payloads

package gatewayclient

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"15550001111":                   "15550001111",
		"+1 (555) 000-1111":             "15550001111",
		"15550001111@s.whatsapp.net":    "15550001111",
		"15550001111:12@s.whatsapp.net": "15550001111",
		"":                              "",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeChatID(t *testing.T) {
	tests := map[string]string{
		"15550001111":                "15550001111@s.whatsapp.net",
		"15550001111@c.us":           "15550001111@s.whatsapp.net",
		"15550001111@s.whatsapp.net": "15550001111@s.whatsapp.net",
		"120363000000@g.us":          "120363000000@g.us",
		" +1 555 000 1111 ":          "15550001111@s.whatsapp.net",
	}
	for in, want := range tests {
		if got := NormalizeChatID(in); got != want {
			t.Errorf("NormalizeChatID(%q) = %q, want %q", in, got, want)
		}
	}
}
