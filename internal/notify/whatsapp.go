package notify

import (
	"net/url"
	"strings"
)

// WhatsAppURL builds a click-to-chat link with the message prefilled. It
// returns "" when the number has no digits.
func WhatsAppURL(number, text string) string {
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	link := "https://wa.me/" + strings.TrimPrefix(digits.String(), "00")
	if text == "" {
		return link
	}
	// wa.me does not decode '+' as a space.
	return link + "?text=" + strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
}
