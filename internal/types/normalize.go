package types

import "strings"

// honorifics stripped from the front of labels during normalization.
var honorifics = []string{"mr.", "mrs.", "ms.", "dr.", "prof.", "mr", "mrs", "ms", "dr", "prof"}

// roleQualifiers stripped from the tail of labels, e.g. "Engineer A, P.E.".
var roleQualifiers = []string{"p.e.", "pe", "esq.", "esq", "jr.", "jr", "sr.", "sr"}

// NormalizeLabel produces the deduplication form of an entity label:
// lowercase, punctuation stripped, whitespace collapsed, leading honorifics
// and trailing role qualifiers removed. "Engineer A." and "engineer a"
// normalize identically.
func NormalizeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 0 && isHonorific(words[0]) {
		words = words[1:]
	}
	for {
		n := trailingQualifierLen(words)
		if n == 0 || n >= len(words) {
			break
		}
		words = words[:len(words)-n]
	}

	return strings.Join(words, " ")
}

func isHonorific(w string) bool {
	for _, h := range honorifics {
		if w == strings.Trim(h, ".") {
			return true
		}
	}
	return false
}

// trailingQualifierLen returns how many trailing words spell a role
// qualifier ("p e" for "P.E."), or 0 when the label ends otherwise.
func trailingQualifierLen(words []string) int {
	for _, q := range roleQualifiers {
		parts := strings.FieldsFunc(q, func(r rune) bool { return r == '.' })
		if len(parts) > len(words) {
			continue
		}
		if strings.Join(words[len(words)-len(parts):], " ") == strings.Join(parts, " ") {
			return len(parts)
		}
	}
	return 0
}

// NormalizeProvision canonicalizes a provision code reference such as
// "ii.1.A " to "II.1.a": roman-numeral part uppercased, trailing letter
// parts lowercased, whitespace trimmed.
func NormalizeProvision(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	parts := strings.Split(code, ".")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if i == 0 {
			parts[i] = strings.ToUpper(p)
			continue
		}
		if isAlpha(p) {
			parts[i] = strings.ToLower(p)
		} else {
			parts[i] = p
		}
	}
	return strings.Join(parts, ".")
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
