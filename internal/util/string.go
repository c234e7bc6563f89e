// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions shared across the engine.
package util

import (
	"strings"
	"unicode"
)

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// These functions handle strings correctly regardless of character encoding,
// preventing mid-character truncation that would corrupt UTF-8 strings.

// TruncateRunes truncates a string to a maximum number of runes (characters).
// This is safe for UTF-8 strings as it counts characters, not bytes.
// If the string is truncated, "..." is appended.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// CollapseWhitespace replaces every run of whitespace characters (spaces,
// tabs, newlines) with a single space and trims leading/trailing whitespace.
func CollapseWhitespace(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		inSpace = false
		sb.WriteRune(r)
	}

	return sb.String()
}
