// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package models

import "errors"

// ErrMalformed marks a payload that failed decoding or validation.
// Malformed notifications are logged and dropped, never retried.
var ErrMalformed = errors.New("malformed payload")
