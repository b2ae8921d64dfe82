package gateway

import "strings"

// FormatPhoneNumber normalizes a number to E.164, assuming US numbers when no
// country code is present. Inputs it cannot interpret are returned as is.
func FormatPhoneNumber(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	case len(digits) > 10:
		return "+" + digits
	}
	return phone
}
