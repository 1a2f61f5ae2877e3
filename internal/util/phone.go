package util

import "strings"

const defaultCountryCode = "55"

// DigitsWithCountry strips everything but digits and prefixes the default
// country code to bare national numbers (10 or 11 digits). Shorter inputs
// yield "".
func DigitsWithCountry(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	switch {
	case len(d) == 10 || len(d) == 11:
		return defaultCountryCode + d
	case len(d) >= 12:
		return d
	}
	return ""
}

// E164 formats a raw contact as +<digits>, or "" when it cannot be normalised.
func E164(raw string) string {
	d := DigitsWithCountry(raw)
	if d == "" {
		return ""
	}
	return "+" + d
}
