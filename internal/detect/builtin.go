package detect

import (
	"context"
	"math/big"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

type pattern struct {
	label string
	re    *regexp.Regexp
	score float64
	valid func(string) bool
}

var builtinPatterns = []pattern{
	{label: "US_SSN", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), score: 0.85, valid: validSSN},
	{label: "CREDIT_CARD", re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), score: 1.0, valid: luhn},
	{label: "EMAIL_ADDRESS", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), score: 1.0},
	{label: "PHONE_NUMBER", re: regexp.MustCompile(`(?:\+1[-. ]?)?\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`), score: 0.75},
	{label: "IP_ADDRESS", re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), score: 0.8, valid: validIPv4},
	{label: "IBAN_CODE", re: regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), score: 1.0, valid: validIBAN},
}

// Builtin is an in-process regex engine for the common structured
// identifiers. It needs no network and never fails.
type Builtin struct {
	patterns []pattern
}

func NewBuiltin() *Builtin { return &Builtin{patterns: builtinPatterns} }

func (b *Builtin) Name() string { return EngineBuiltin }

// Analyze returns non-overlapping spans; where two patterns overlap the
// higher score wins.
func (b *Builtin) Analyze(ctx context.Context, text string) ([]Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var spans []Span
	for _, p := range b.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if p.valid != nil && !p.valid(value) {
				continue
			}
			start := utf8.RuneCountInString(text[:loc[0]])
			spans = append(spans, Span{
				Label: p.label,
				Start: start,
				End:   start + utf8.RuneCountInString(value),
				Score: p.score,
			})
		}
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].Score > spans[j].Score
	})
	out := spans[:0]
	for _, s := range spans {
		if n := len(out); n > 0 && s.Start < out[n-1].End {
			if s.Score > out[n-1].Score {
				out[n-1] = s
			}
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func validSSN(s string) bool {
	area, group, serial := s[0:3], s[4:6], s[7:11]
	return area != "000" && area != "666" && area[0] != '9' && group != "00" && serial != "0000"
}

func luhn(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func validIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// validIBAN applies the ISO 13616 mod-97 check.
func validIBAN(s string) bool {
	rearranged := s[4:] + s[:4]
	var b strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
