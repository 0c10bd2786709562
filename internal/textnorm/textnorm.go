// Package textnorm turns raw record text into the canonical form that is fed
// to the embedding provider.
//
// The punctuation policy is fixed: letters and digits of any script are kept,
// together with the marks '.', ',', '\'' and '-'. Every other rune, including
// newlines, becomes a space and runs of spaces collapse to one. Because of
// that collapse a normalized field never contains '\n', which is therefore
// used as the field separator by Composer.
package textnorm

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"vidsearch/internal/models"
)

// Separator joins normalized fields. It cannot occur inside a normalized field.
const Separator = "\n"

// DefaultMaxRunes bounds the composed text handed to a provider.
const DefaultMaxRunes = 8000

// Normalize folds case, drops control characters, applies the punctuation
// policy and collapses whitespace. Tokens without a letter or digit are
// dropped, so punctuation alone normalizes to "". It never fails.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	s := cases.Fold().String(norm.NFKC.String(raw))
	var b, tok strings.Builder
	b.Grow(len(s))
	alnum := false
	flush := func() {
		if alnum {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(tok.String())
		}
		tok.Reset()
		alnum = false
	}
	for _, r := range s {
		switch {
		case keep(r):
			tok.WriteRune(r)
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				alnum = true
			}
		case unicode.IsControl(r) && !unicode.IsSpace(r):
			// dropped without leaving a gap
		case !unicode.IsPrint(r) && !unicode.IsSpace(r):
		default:
			flush()
		}
	}
	flush()
	return b.String()
}

func keep(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case '.', ',', '\'', '-':
		return true
	}
	return false
}

// Composer joins the normalized fields of a record in a declared order.
type Composer struct {
	// Order lists field names in join order. Fields not listed follow in
	// ascending name order.
	Order []string
	// MaxRunes truncates the composed text; <= 0 disables truncation.
	MaxRunes int
}

// NewComposer returns a Composer with the default video field order.
func NewComposer() Composer {
	return Composer{Order: models.DefaultFieldOrder, MaxRunes: DefaultMaxRunes}
}

// Compose returns the embeddable text for fields, or "" when every field is
// empty after normalization.
func (c Composer) Compose(fields []models.Field) string {
	if len(fields) == 0 {
		return ""
	}
	rank := make(map[string]int, len(c.Order))
	for i, name := range c.Order {
		if _, dup := rank[name]; !dup {
			rank[name] = i
		}
	}
	type part struct {
		name string
		pos  int
		text string
	}
	parts := make([]part, 0, len(fields))
	for i, f := range fields {
		t := Normalize(f.Text)
		if t == "" {
			continue
		}
		parts = append(parts, part{name: f.Name, pos: i, text: t})
	}
	if len(parts) == 0 {
		return ""
	}
	sort.SliceStable(parts, func(i, j int) bool {
		ri, iok := rank[parts[i].name]
		rj, jok := rank[parts[j].name]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		case parts[i].name != parts[j].name:
			return parts[i].name < parts[j].name
		default:
			return parts[i].pos < parts[j].pos
		}
	})
	texts := make([]string, len(parts))
	for i, p := range parts {
		texts[i] = p.text
	}
	return truncate(strings.Join(texts, Separator), c.MaxRunes)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return strings.TrimRight(s[:i], " "+Separator)
		}
		n++
	}
	return s
}
