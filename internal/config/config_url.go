// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package config

import (
	"fmt"
	"net/url"
)

// validateURLScheme checks that rawURL parses, has a host, and uses one of schemes.
func validateURLScheme(rawURL, fieldName string, schemes ...string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s failed to parse URL: %w", fieldName, err)
	}

	allowed := false
	for _, s := range schemes {
		if parsedURL.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%s scheme must be one of %v, got: %s", fieldName, schemes, parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return fmt.Errorf("%s host is required", fieldName)
	}

	if parsedURL.RawQuery != "" {
		return fmt.Errorf("%s should not contain query parameters, remove: ?%s", fieldName, parsedURL.RawQuery)
	}

	return nil
}

// validateHTTPURL validates a base URL for the pull API.
// Only the root is accepted since endpoint paths are appended.
func validateHTTPURL(rawURL, fieldName string) error {
	if err := validateURLScheme(rawURL, fieldName, "http", "https"); err != nil {
		return err
	}
	parsedURL, _ := url.Parse(rawURL)
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return fmt.Errorf("%s should be base URL only, remove path: %s", fieldName, parsedURL.Path)
	}
	return nil
}

// validateWebSocketURL validates the push transport endpoint.
func validateWebSocketURL(rawURL, fieldName string) error {
	return validateURLScheme(rawURL, fieldName, "ws", "wss")
}
