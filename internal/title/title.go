// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package title derives conversation titles and caches resolved ones.
//
// The backend may take several turns to assign a conversation a real title;
// until then the client derives a fallback from the first user input and
// remembers resolved titles across restarts so hydrated conversation lists
// don't flash placeholders.
package title

import (
	"strings"

	"github.com/Mayank29903/Roxxllm/internal/model"
	"github.com/Mayank29903/Roxxllm/internal/util"
)

const (
	// MaxLength is the maximum derived title length before the ellipsis.
	MaxLength = 60

	// Ellipsis marks a truncated derived title.
	Ellipsis = "..."
)

// Derive builds a deterministic fallback title from raw user input:
// whitespace runs collapse to single spaces, the result is trimmed, and
// anything longer than MaxLength is cut at the last word boundary inside
// the window and marked with an ellipsis. Empty input yields the reserved
// placeholder.
func Derive(input string) string {
	collapsed := util.CollapseWhitespace(input)
	if collapsed == "" {
		return model.DefaultTitle
	}

	runes := []rune(collapsed)
	if len(runes) <= MaxLength {
		return collapsed
	}

	cut := string(runes[:MaxLength])
	// Back off to the last space to avoid splitting a word, unless the
	// window is a single unbroken token.
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + Ellipsis
}
