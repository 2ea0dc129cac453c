// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

/*
Package middleware provides HTTP middleware for the status server.

  - RequestID: X-Request-ID propagation and a request-scoped logger
  - PrometheusMetrics: request count, latency and in-flight instrumentation

Both are plain http.HandlerFunc wrappers; the api package adapts them to
chi's r.Use signature:

	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chiMiddleware(middleware.PrometheusMetrics))

Metrics are labelled with the chi route pattern rather than the raw path so
that unknown paths do not create new series.
*/
package middleware
