package services

import (
	"regexp"
	"strings"
)

var (
	ibanPattern = regexp.MustCompile(`^[A-Z]{2}\d{2}[A-Z0-9]{4,30}$`)
	bicPattern  = regexp.MustCompile(`^[A-Z]{4}[A-Z]{2}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
)

// ibanLengths maps supported settlement-region country codes to the exact
// IBAN length registered for that country.
var ibanLengths = map[string]int{
	"AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24,
	"DE": 22, "DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27,
	"GB": 22, "GR": 27, "HR": 21, "HU": 28, "IE": 22, "IS": 26,
	"IT": 27, "LI": 21, "LT": 20, "LU": 20, "LV": 21, "MC": 27,
	"MT": 31, "NL": 18, "NO": 15, "PL": 28, "PT": 25, "RO": 24,
	"SE": 24, "SI": 19, "SK": 24,
}

// ValidateIBAN normalizes raw (uppercase, spaces and hyphens stripped) and
// checks structure, supported country, registered length and the ISO 7064
// MOD-97-10 checksum. Returns the normalized IBAN.
func ValidateIBAN(raw string) (string, error) {
	iban := normalizeBankCode(raw)

	if !ibanPattern.MatchString(iban) {
		return "", &ValidationError{Field: "iban", Reason: "malformed IBAN structure"}
	}

	country := iban[:2]
	wantLen, ok := ibanLengths[country]
	if !ok {
		return "", &ValidationError{Field: "iban", Reason: "unsupported country code " + country}
	}
	if len(iban) != wantLen {
		return "", &ValidationError{Field: "iban", Reason: "wrong length for country " + country}
	}

	if mod97(iban[4:]+iban[:4]) != 1 {
		return "", &ValidationError{Field: "iban", Reason: "checksum mismatch"}
	}

	return iban, nil
}

// ValidateBIC normalizes and validates a BIC: 4-letter institution, 2-letter
// country, 2 alphanumeric location, optional 3 alphanumeric branch.
func ValidateBIC(raw string) (string, error) {
	bic := normalizeBankCode(raw)

	if !bicPattern.MatchString(bic) {
		return "", &ValidationError{Field: "bic", Reason: "malformed BIC"}
	}

	return bic, nil
}

// IBANLast4 returns the displayable tail of a normalized IBAN.
func IBANLast4(iban string) string {
	if len(iban) < 4 {
		return iban
	}
	return iban[len(iban)-4:]
}

func normalizeBankCode(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, "-", "")
}

// mod97 computes the ISO 7064 MOD-97-10 remainder of the rearranged IBAN,
// mapping letters A..Z to 10..35.
func mod97(s string) int {
	rem := 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A') + 10) % 97
		}
	}
	return rem
}
