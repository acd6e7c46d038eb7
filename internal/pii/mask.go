package pii

import "strings"

// Candidate is a detection that passed the confidence threshold and is ready
// to be persisted as a finding. Offset and Length count runes of the
// extracted text.
type Candidate struct {
	Category   Category
	Confidence float64
	Offset     int
	Length     int
	Masked     string
}

// visibleTail is how many trailing characters Mask leaves readable.
const visibleTail = 4

// Mask hides value except for its last four characters. Values of eight
// characters or fewer are hidden entirely. Separators are kept so the shape
// of the value stays recognisable ("***-**-6789").
func Mask(value string) string {
	runes := []rune(value)
	keepFrom := len(runes) - visibleTail
	if len(runes) <= 2*visibleTail {
		keepFrom = len(runes)
	}

	var b strings.Builder
	b.Grow(len(value))
	for i, r := range runes {
		switch {
		case i >= keepFrom:
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '.' || r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('*')
		}
	}
	return b.String()
}
