package phone

import "fmt"

// Result is user facing feedback about a phone number.
type Result struct {
	IsValid   bool     `json:"is_valid"`
	Type      Type     `json:"type"`
	Canonical string   `json:"canonical,omitempty"`
	Formatted string   `json:"formatted,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Validate never fails; problems are reported as warnings.
func (n Normalizer) Validate(raw string) Result {
	digits, warnings, err := n.normalize(raw)
	if err != nil {
		return Result{
			IsValid:  false,
			Type:     TypeUnknown,
			Warnings: append(warnings, err.Error()),
		}
	}
	res := Result{
		IsValid:   true,
		Canonical: digits,
		Formatted: n.format(digits),
		Warnings:  warnings,
	}
	cc := n.countryCode()
	sub := digits[len(cc)+2:]
	switch {
	case len(sub) == 9 && sub[0] == mobilePrefix:
		res.Type = TypeMobile
	case len(sub) == 9:
		res.Type = TypeUnknown
		res.Warnings = append(res.Warnings, "nine digit number without mobile prefix")
	case sub[0] >= '2' && sub[0] <= '5':
		res.Type = TypeLandline
	case sub[0] >= '6':
		res.Type = TypeMobile
		res.Warnings = append(res.Warnings, "legacy 8-digit mobile")
	default:
		res.Type = TypeUnknown
	}
	return res
}

func (n Normalizer) format(digits string) string {
	cc := n.countryCode()
	area := digits[len(cc) : len(cc)+2]
	sub := digits[len(cc)+2:]
	split := len(sub) - 4
	return fmt.Sprintf("+%s (%s) %s-%s", cc, area, sub[:split], sub[split:])
}
