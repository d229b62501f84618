package casebooking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const referencePrefix = "TMC"

var countryPattern = regexp.MustCompile(`^[A-Z]{2,3}$`)

// NormalizeCountry upper-cases and checks a 2 or 3 letter country code.
func NormalizeCountry(country string) (string, error) {
	cc := strings.ToUpper(strings.TrimSpace(country))
	if !countryPattern.MatchString(cc) {
		return "", validationError("country must be a 2 or 3 letter code, got %q", country)
	}
	return cc, nil
}

// FormatReference renders TMC-<country>-<yyyy>-<seq>, the sequence padded to
// three digits.
func FormatReference(country string, year, seq int) string {
	return fmt.Sprintf("%s-%s-%04d-%03d", referencePrefix, country, year, seq)
}

var referencePattern = regexp.MustCompile(`^TMC-([A-Z]{2,3})-(\d{4})-(\d{3,})$`)

// ParseReference splits a reference number back into its parts.
func ParseReference(ref string) (country string, year, seq int, err error) {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil {
		return "", 0, 0, validationError("malformed reference number %q", ref)
	}
	year, _ = strconv.Atoi(m[2])
	if seq, err = strconv.Atoi(m[3]); err != nil {
		return "", 0, 0, validationError("reference sequence out of range in %q", ref)
	}
	return m[1], year, seq, nil
}
