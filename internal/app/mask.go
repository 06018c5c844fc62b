package app

import "strings"

const maskVisiblePrefix = 8

// MaskIdentifier keeps the first eight characters of a provider identifier and
// masks the rest. Identifiers of eight characters or fewer keep only half.
func MaskIdentifier(id string) string {
	r := []rune(id)
	if len(r) == 0 {
		return ""
	}
	visible := maskVisiblePrefix
	if len(r) <= maskVisiblePrefix {
		visible = len(r) / 2
	}
	return string(r[:visible]) + strings.Repeat("*", len(r)-visible)
}
