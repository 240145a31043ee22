// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package logging is a thin wrapper around go-kit/log, shaped after the
// *log.Helper facade the teacher repo threads through its parser. It exists
// so the unwinder, decoders and translators can log unusual-but-not-fatal
// conditions (a duplicate module start address, an unrecognized PE unwind
// opcode) without taking a hard dependency on any
// particular logger construction.
package logging

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the facade every package in this module accepts. A nil Logger is
// valid everywhere and discards all output.
type Logger struct {
	base log.Logger
}

// NewLogger wraps a go-kit/log.Logger.
func NewLogger(l log.Logger) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{base: l}
}

// NewStdLogger returns a Logger that writes logfmt lines to stderr, filtered
// to warnings and above.
func NewStdLogger() *Logger {
	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return &Logger{base: level.NewFilter(base, level.AllowWarn())}
}

func (l *Logger) Debugf(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	level.Debug(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Warnf(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	level.Warn(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Errorf(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	level.Error(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}
