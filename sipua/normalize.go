/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sipua

import (
	"regexp"
	"strings"
)

// externalNumberRe matches destinations that look like a dialable phone
// number: an optional leading + followed by at least two digits.
var externalNumberRe = regexp.MustCompile(`^\+?\d{2,}$`)

// IsExternalNumber reports whether a raw destination looks like an external
// phone number rather than an internal user handle.
func IsExternalNumber(dest string) bool {
	return externalNumberRe.MatchString(strings.TrimSpace(dest))
}

// Normalize converts a user-entered destination into the dial string expected
// by the SIP trunk. Short inputs (six digits or fewer after cleanup) are
// internal extensions and pass through untouched. Longer numbers are reduced
// to national form: the default country code is stripped whether it was
// entered with or without a leading +, leading zeros are removed and the
// trunk's dialing prefix is prepended.
//
// An empty countryCode or prefix disables the corresponding step.
func Normalize(dest, countryCode, prefix string) string {
	raw := strings.TrimSpace(dest)

	// Keep a leading +, drop every other non-digit.
	var b strings.Builder
	for i, r := range raw {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	digits := strings.TrimPrefix(cleaned, "+")
	if len(digits) <= 6 {
		// Extension dialing.
		return digits
	}

	if countryCode != "" {
		switch {
		case strings.HasPrefix(cleaned, "+"+countryCode):
			digits = cleaned[len("+"+countryCode):]
		case strings.HasPrefix(cleaned, countryCode):
			digits = cleaned[len(countryCode):]
		}
	}
	digits = strings.TrimLeft(digits, "0")

	return prefix + digits
}
