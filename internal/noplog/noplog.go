// Package noplog provides a shared slog.Logger that discards all output.
// Components log through it unless the caller injects a real logger.
package noplog

import (
	"context"
	"log/slog"
)

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

// Logger is the shared no-op logger instance.
var Logger = slog.New(nopHandler{})
