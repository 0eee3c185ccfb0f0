// Package brcode generates PIX "Copia e Cola" payloads (BR Code, the
// EMV-QRCPS text format) offline. Encoding is deterministic: the same input
// always yields a byte-identical payload. There is no decode path.
package brcode

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/atendelab/atende-backend/internal/domain"

	"golang.org/x/text/unicode/norm"
)

// Params are the charge parameters for one payload.
type Params struct {
	Key          string // payee PIX key, required
	Amount       float64
	MerchantName string
	MerchantCity string
	TxID         string // optional, defaults to the wildcard ***
	Description  string // optional, embedded in merchant account info
}

const (
	gui = "br.gov.bcb.pix"

	maxNameLen = 25
	maxCityLen = 15
	maxDescLen = 72
	maxTxIDLen = 25

	// TLV lengths are two decimal digits, so no field's value may exceed
	// 99 bytes. Field 26 nests the GUI, key and description.
	maxFieldLen = 99
)

// Encode builds the complete checksummed payload.
func Encode(p Params) (string, error) {
	key := strings.TrimSpace(p.Key)
	if key == "" {
		return "", &domain.ErrValidation{Field: "pixKey", Message: "is required"}
	}
	if p.Amount <= 0 {
		return "", &domain.ErrValidation{Field: "amount", Message: "must be positive"}
	}

	account := field("00", gui) + field("01", key)
	if len(account) > maxFieldLen {
		return "", &domain.ErrValidation{Field: "pixKey", Message: "is too long"}
	}
	// The key is mandatory; the description yields whatever room is left
	// inside field 26.
	if desc := normalize(p.Description, maxDescLen); desc != "" {
		if room := maxFieldLen - len(account) - 4; room > 0 {
			if len(desc) > room {
				desc = strings.TrimSpace(desc[:room])
			}
			if desc != "" {
				account += field("02", desc)
			}
		}
	}

	var b strings.Builder
	b.WriteString(field("00", "01")) // payload format indicator
	b.WriteString(field("26", account))
	b.WriteString(field("52", "0000")) // merchant category code
	b.WriteString(field("53", "986"))  // BRL
	b.WriteString(field("54", fmt.Sprintf("%.2f", p.Amount)))
	b.WriteString(field("58", "BR"))
	b.WriteString(field("59", normalize(p.MerchantName, maxNameLen)))
	b.WriteString(field("60", normalize(p.MerchantCity, maxCityLen)))
	b.WriteString(field("62", field("05", sanitizeTxID(p.TxID))))
	// The CRC is computed over everything so far including its own tag+length.
	b.WriteString("6304")

	payload := b.String()
	return payload + Checksum(payload), nil
}

// Checksum returns the 4 uppercase hex digits of the payload's CRC.
func Checksum(payload string) string {
	return fmt.Sprintf("%04X", crc16([]byte(payload)))
}

// field TLV-encodes one value as <id><2-digit length><value>.
func field(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

// normalize upper-cases, strips diacritics, replaces anything outside the
// BR Code charset with spaces, collapses whitespace and caps the length.
func normalize(s string, max int) string {
	s = stripDiacritics(strings.ToUpper(s))

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(" .,:;!?()/-", r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	out := strings.Join(strings.Fields(b.String()), " ")
	if len(out) > max {
		out = strings.TrimSpace(out[:max])
	}
	return out
}

// stripDiacritics decomposes to NFD and drops combining marks.
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sanitizeTxID strips the txid to alphanumerics capped at 25 chars, falling
// back to the *** wildcard when nothing is left.
func sanitizeTxID(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "***"
	}
	if len(out) > maxTxIDLen {
		out = out[:maxTxIDLen]
	}
	return out
}
