// Package phone canonicalizes customer phone numbers.
//
// Canonical form is digits only: country code, two digit area code and an
// 8 or 9 digit subscriber number ("5551997519607"). Transport specific
// addressing is derived from the canonical form and never stored.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPhone is returned for inputs that cannot be canonicalized.
var ErrInvalidPhone = errors.New("phone: invalid phone number")

const (
	DefaultCountryCode = "55"
	mobilePrefix       = '9'
)

// Type classifies a canonical number.
type Type string

const (
	TypeMobile   Type = "mobile"
	TypeLandline Type = "landline"
	TypeUnknown  Type = "unknown"
)

// Normalizer carries the home country rules.
type Normalizer struct {
	CountryCode string
	MinArea     int
	MaxArea     int
}

// New returns a Normalizer for the given country code. An empty code
// defaults to Brazil.
func New(countryCode string) Normalizer {
	countryCode = digitsOnly(countryCode)
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return Normalizer{CountryCode: countryCode, MinArea: 11, MaxArea: 99}
}

var defaultNormalizer = New(DefaultCountryCode)

// Normalize canonicalizes raw with the default country rules.
func Normalize(raw string) (string, error) {
	return defaultNormalizer.Normalize(raw)
}

// Validate reports on raw with the default country rules.
func Validate(raw string) Result {
	return defaultNormalizer.Validate(raw)
}

// Normalize strips formatting, fixes the country prefix and checks ranges.
func (n Normalizer) Normalize(raw string) (string, error) {
	digits, _, err := n.normalize(raw)
	return digits, err
}

func (n Normalizer) normalize(raw string) (string, []string, error) {
	var warnings []string
	digits := digitsOnly(raw)
	if digits == "" {
		return "", nil, fmt.Errorf("%w: no digits in %q", ErrInvalidPhone, raw)
	}

	trimmed := strings.TrimLeft(digits, "0")
	if trimmed != digits {
		warnings = append(warnings, "leading zeros removed")
	}
	digits = trimmed

	// "55 0 51 ..." carries a domestic trunk zero after the country code.
	cc := n.countryCode()
	if strings.HasPrefix(digits, cc+"0") && len(digits) > len(cc)+11 {
		digits = cc + strings.TrimLeft(digits[len(cc):], "0")
		warnings = append(warnings, "trunk prefix removed")
	}

	if len(digits) == 10 || len(digits) == 11 {
		digits = cc + digits
		warnings = append(warnings, "country code auto-added")
	}

	if len(digits) != len(cc)+10 && len(digits) != len(cc)+11 {
		return "", warnings, fmt.Errorf("%w: %d digits", ErrInvalidPhone, len(digits))
	}
	if !strings.HasPrefix(digits, cc) {
		return "", warnings, fmt.Errorf("%w: country code is not %s", ErrInvalidPhone, cc)
	}
	area := areaCode(digits, cc)
	if area < n.minArea() || area > n.maxArea() {
		return "", warnings, fmt.Errorf("%w: area code %02d out of range", ErrInvalidPhone, area)
	}
	return digits, warnings, nil
}

// ToGatewayAddress converts a canonical number into the legacy 8 digit
// subscriber form the gateway expects. Nine digit mobiles lose the leading
// 9; everything else passes through unchanged.
func (n Normalizer) ToGatewayAddress(canonical string) string {
	cc := n.countryCode()
	if len(canonical) != len(cc)+11 || !strings.HasPrefix(canonical, cc) {
		return canonical
	}
	sub := canonical[len(cc)+2:]
	if sub[0] != mobilePrefix {
		return canonical
	}
	return canonical[:len(cc)+2] + sub[1:]
}

// ToGatewayAddress applies the default country rules.
func ToGatewayAddress(canonical string) string {
	return defaultNormalizer.ToGatewayAddress(canonical)
}

// FromGatewayAddress restores the canonical form of a number the gateway
// reported in the legacy 8 digit mobile form. Subscribers starting with 6
// to 9 are mobiles and regain their leading 9. Anything else is normalized
// as is.
func (n Normalizer) FromGatewayAddress(addr string) (string, error) {
	digits, err := n.Normalize(addr)
	if err != nil {
		return "", err
	}
	cc := n.countryCode()
	if len(digits) != len(cc)+10 {
		return digits, nil
	}
	sub := digits[len(cc)+2:]
	if sub[0] < '6' {
		return digits, nil
	}
	return digits[:len(cc)+2] + string(mobilePrefix) + sub, nil
}

// E164 renders a canonical number for the official channel.
func E164(canonical string) string {
	canonical = digitsOnly(canonical)
	if canonical == "" {
		return ""
	}
	return "+" + canonical
}

// Mask hides the middle of a number for principals without full visibility.
// It also sees raw, unvalidated input, so short values keep at most their
// last two characters.
func Mask(canonical string) string {
	switch n := len(canonical); {
	case n <= 4:
		return strings.Repeat("*", n)
	case n <= 8:
		return strings.Repeat("*", n-2) + canonical[n-2:]
	}
	return canonical[:4] + strings.Repeat("*", len(canonical)-8) + canonical[len(canonical)-4:]
}

func (n Normalizer) countryCode() string {
	if n.CountryCode == "" {
		return DefaultCountryCode
	}
	return n.CountryCode
}

func (n Normalizer) minArea() int {
	if n.MinArea == 0 {
		return 11
	}
	return n.MinArea
}

func (n Normalizer) maxArea() int {
	if n.MaxArea == 0 {
		return 99
	}
	return n.MaxArea
}

func areaCode(digits, cc string) int {
	a := digits[len(cc) : len(cc)+2]
	return int(a[0]-'0')*10 + int(a[1]-'0')
}

func digitsOnly(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
