package errors

import "errors"

// Storage errors.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record changed concurrently")
)

// Upstream identity provider errors.
var (
	ErrUpstream              = errors.New("upstream identity provider request failed")
	ErrUpstreamResponse      = errors.New("unexpected upstream identity provider response")
	ErrUpstreamNotConfigured = errors.New("upstream identity provider not configured")
)
