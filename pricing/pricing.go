// Package pricing normalizes scraped price strings into numeric values.
package pricing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoDigits marks price text with no numeric content left after cleaning.
var ErrNoDigits = errors.New("pricing: no digits in price text")

// Parse converts display strings like "799,00 €", "999 €" or "1.099,99 €"
// into a numeric price. Cleaning strips the euro sign and whitespace
// (including non-breaking spaces), removes "." thousands separators, maps the
// decimal comma to a dot and discards every remaining rune that is not a
// digit or a dot. Errors name the original input.
func Parse(text string) (float64, error) {
	cleaned := strings.ReplaceAll(text, "€", "")
	cleaned = strings.ReplaceAll(cleaned, "\u00a0", " ")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")

	var b strings.Builder
	for _, r := range cleaned {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned = b.String()

	if !strings.ContainsAny(cleaned, "0123456789") {
		return 0, fmt.Errorf("%w: %q", ErrNoDigits, text)
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("pricing: parse %q: %w", text, err)
	}
	return v, nil
}
