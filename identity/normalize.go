package identity

import (
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/becomeliminal/nim-recall/core"
)

// Normalize converts a raw signal into its canonical, comparable form.
//
//   - phone: digits only; numbers with 10 or more digits keep their last 10
//     (dropping country codes), 7 to 9 digit local numbers are kept whole,
//     anything shorter is rejected
//   - email: address part only, trimmed and lower-cased
//   - name: case-folded, punctuation stripped, whitespace collapsed
func Normalize(s core.Signal) (core.Signal, error) {
	var (
		v   string
		err error
	)
	switch s.Type {
	case core.SignalPhone:
		v, err = normalizePhone(s.Value)
	case core.SignalEmail:
		v, err = normalizeEmail(s.Value)
	case core.SignalName:
		v = NormalizeName(s.Value)
		if v == "" {
			err = fmt.Errorf("%w: empty name", core.ErrInvalidInput)
		}
	default:
		err = fmt.Errorf("%w: unknown signal type %q", core.ErrInvalidInput, s.Type)
	}
	if err != nil {
		return core.Signal{}, err
	}
	return core.Signal{Type: s.Type, Value: v}, nil
}

func normalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) < 7:
		return "", fmt.Errorf("%w: phone %q has too few digits", core.ErrInvalidInput, raw)
	case len(digits) >= 10:
		return digits[len(digits)-10:], nil
	default:
		return digits, nil
	}
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "mailto:"), "MAILTO:")
	if addr, err := mail.ParseAddress(raw); err == nil {
		raw = addr.Address
	}
	addr := strings.ToLower(strings.TrimSpace(raw))
	at := strings.IndexByte(addr, '@')
	if at <= 0 || at != strings.LastIndexByte(addr, '@') || at == len(addr)-1 || strings.ContainsAny(addr, " \t") {
		return "", fmt.Errorf("%w: malformed email %q", core.ErrInvalidInput, raw)
	}
	return addr, nil
}

// NormalizeName returns the fuzzy-matchable normal form of a display name.
func NormalizeName(raw string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			space = true
		}
		// Other punctuation is dropped without splitting ("O'Brien" -> "obrien").
	}
	return b.String()
}

// NameSimilarity is the edit-distance ratio of two normalized names, also
// trying both with their words sorted so "smith john" matches "john smith".
func NameSimilarity(a, b string) float64 {
	direct := ratio(a, b)
	sorted := ratio(sortWords(a), sortWords(b))
	if sorted > direct {
		return sorted
	}
	return direct
}

func sortWords(s string) string {
	words := strings.Fields(s)
	sort.Strings(words)
	return strings.Join(words, " ")
}

// ratio is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
func ratio(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// normalizeAll normalizes and de-duplicates signals, returning the valid
// ones with strong signals first in key order, then names.
func normalizeAll(raw []core.Signal) ([]core.Signal, []error) {
	seen := make(map[string]bool, len(raw))
	var out []core.Signal
	var errs []error
	for _, s := range raw {
		n, err := Normalize(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[n.Key()] {
			continue
		}
		seen[n.Key()] = true
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Type.Strong(), out[j].Type.Strong()
		if si != sj {
			return si
		}
		return out[i].Key() < out[j].Key()
	})
	return out, errs
}
