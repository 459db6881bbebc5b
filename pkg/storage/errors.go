// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

// Sentinel errors shared by all storage backends. Callers match them with
// errors.Is.
var (
	// ErrNotFound indicates the requested record does not exist or was
	// already consumed.
	ErrNotFound = errors.New("record not found")

	// ErrExpired indicates the record exists but its TTL elapsed.
	ErrExpired = errors.New("record expired")

	// ErrAlreadyExists indicates a uniqueness violation on insert.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidRecord indicates a caller passed a nil or unkeyed record.
	ErrInvalidRecord = errors.New("invalid record")
)
