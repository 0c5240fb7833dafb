package leads

import (
	"strings"
)

const (
	adminNotesMarker  = "\n\n--- Admin Notes ---\n"
	bankDetailsMarker = "\n\nBank Account Details:\n"
	referenceMarker   = "\n\nLead Reference: "
)

// Notes is the structured form of the legacy single-string notes field.
type Notes struct {
	Customer    string       `json:"customer"`
	Admin       string       `json:"admin"`
	BankDetails []BankDetail `json:"bank_details"`
	Reference   string       `json:"reference"`
}

// EncodeNotes renders notes in the legacy blob layout. Empty sections are omitted.
func EncodeNotes(n Notes) string {
	var b strings.Builder
	b.WriteString(n.Customer)
	if n.Admin != "" {
		b.WriteString(adminNotesMarker)
		b.WriteString(n.Admin)
	}
	if len(n.BankDetails) > 0 {
		b.WriteString(bankDetailsMarker)
		for i, d := range n.BankDetails {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(d.Key)
			b.WriteString(": ")
			b.WriteString(d.Value)
		}
	}
	if n.Reference != "" {
		b.WriteString(referenceMarker)
		b.WriteString(n.Reference)
	}
	return b.String()
}

// DecodeNotes splits a legacy notes blob into its sections. Sections are
// located from the end so customer text may contain blank lines freely.
func DecodeNotes(raw string) Notes {
	var n Notes
	rest := raw

	if start, end, ok := findMarker(rest, referenceMarker); ok {
		n.Reference = strings.TrimSpace(rest[end:])
		rest = rest[:start]
	}
	if start, end, ok := findMarker(rest, bankDetailsMarker); ok {
		n.BankDetails = parseBankDetails(rest[end:])
		rest = rest[:start]
	}
	if start, end, ok := findMarker(rest, adminNotesMarker); ok {
		n.Admin = rest[end:]
		rest = rest[:start]
	}
	n.Customer = rest
	return n
}

// findMarker returns the bounds of the last occurrence of a section marker. A
// marker at the very start of the blob may lack its leading blank line.
func findMarker(s, marker string) (start, end int, ok bool) {
	if i := strings.LastIndex(s, marker); i >= 0 {
		return i, i + len(marker), true
	}
	bare := strings.TrimLeft(marker, "\n")
	if strings.HasPrefix(s, bare) {
		return 0, len(bare), true
	}
	return 0, 0, false
}

func parseBankDetails(block string) []BankDetail {
	var out []BankDetail
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			out = append(out, BankDetail{Value: line})
			continue
		}
		out = append(out, BankDetail{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	return out
}
