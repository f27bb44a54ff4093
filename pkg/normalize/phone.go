package normalize

import "strings"

// NormalizeSender reduces a phone-like identifier to "+<digits>". The digit
// count heuristics guess a country code for local numbers and are known to
// misclassify numbers outside the observed patterns. An empty result means
// the input carried no digits.
func NormalizeSender(raw, countryCode string) string {
	raw = strings.TrimSpace(raw)
	prefixed := strings.HasPrefix(raw, "+")

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	switch {
	case prefixed:
		return "+" + digits
	case len(digits) == 10 && countryCode != "":
		return "+" + countryCode + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	case len(digits) == 12 && countryCode != "" && strings.HasPrefix(digits, countryCode):
		return "+" + digits
	default:
		return "+" + digits
	}
}
