// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions shared across the engine.
//
// This package contains common helper functions for string normalization
// and crash-safe file operations.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - CollapseWhitespace: whitespace-run normalization
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
package util
