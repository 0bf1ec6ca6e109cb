// Package logging wires go.uber.org/zap the way the teacher does: a nil
// logger defaults to zap.NewNop(), and nothing on the hot request path
// logs — only slow or error events from background workers and the
// dispatcher. See pkg/config.go's WithLogger.
//
// © 2025 advcache authors. MIT License.
package logging

import "go.uber.org/zap"

// New builds a production zap.Logger, or a no-op logger when verbose is
// false (matching the teacher's "opt-in" metrics/logging posture).
func New(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// OrNop returns l if non-nil, else a no-op logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
