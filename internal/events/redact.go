// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import "strings"

// Mask replaces redacted values in tool output.
const Mask = "[secret]"

// NewLineRedactor returns a function masking every configured value in a
// line, or nil when no non-empty value is given.
func NewLineRedactor(values []string) func(string) string {
	var pairs []string
	for _, v := range values {
		if v != "" {
			pairs = append(pairs, v, Mask)
		}
	}
	if pairs == nil {
		return nil
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace
}
