// Package validation checks query parameters before they reach the service layer.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrCityEmpty is returned when city is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooShort is returned when city length is below the minimum.
var ErrCityTooShort = errors.New("city too short")

// ErrCityTooLong is returned when city length exceeds the maximum.
var ErrCityTooLong = errors.New("city too long")

// ErrCityInvalidChars is returned when city contains disallowed characters.
var ErrCityInvalidChars = errors.New("city contains invalid characters")

// ErrHorizonInvalid is returned when horizon is not an integer or outside the allowed range.
var ErrHorizonInvalid = errors.New("invalid horizon")

// ValidateCity trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to letters (Unicode), digits, space, comma, hyphen, period and apostrophe.
// Returns the trimmed string or an error suitable for 400 INVALID_CITY responses.
// Normalization (e.g. lowercase) is left to the service layer.
func ValidateCity(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrCityEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrCityTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ValidateHorizon parses a horizon query value. Empty input yields def.
func ValidateHorizon(input string, def, minHorizon, maxHorizon int) (int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return def, nil
	}
	h, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrHorizonInvalid, s)
	}
	if h < minHorizon || h > maxHorizon {
		return 0, fmt.Errorf("%w: must be between %d and %d", ErrHorizonInvalid, minHorizon, maxHorizon)
	}
	return h, nil
}
