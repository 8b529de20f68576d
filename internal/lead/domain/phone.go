package domain

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone renders raw as E.164. Separators are dropped, a leading "00"
// is read as "+" and a missing "+" is added, so the number must carry its
// country code. Numbers the numbering plan does not recognise are rejected.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "00") {
		raw = "+" + raw[2:]
	}
	var b strings.Builder
	b.WriteByte('+')
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidPhone
		}
	}

	num, err := phonenumbers.Parse(b.String(), "")
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
