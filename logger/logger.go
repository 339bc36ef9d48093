/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package logger wraps logrus the way the daemon's subsystems expect to
// receive it: never as a global, always injected as a FuncLog so a runtime,
// the reactor, or the control socket can be handed a logger bound to their
// own fields (runtime name, connection id, ...) without reaching for a
// package-level singleton.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// FuncLog returns a Logger instance. Subsystems accept a FuncLog at
// construction time rather than a concrete Logger so the caller controls
// lifetime and field binding.
type FuncLog func() Logger

// Logger is the structured logging surface every subsystem is injected
// with. Fields mirror logrus.Fields so no translation layer is needed at
// the call site.
type Logger interface {
	WithFields(fields logrus.Fields) Logger
	WithField(key string, value interface{}) Logger

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})

	Entry() *logrus.Entry
}

type logger struct {
	e *logrus.Entry
}

// New builds a Logger backed by a dedicated logrus.Logger instance (never
// the package-level logrus default) writing to w at the given level.
func New(w io.Writer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &logger{e: logrus.NewEntry(l)}
}

// NewStdout is the common case: a logger writing to os.Stdout at the given
// level, as used by cmd/socketleyd when no log file is configured or it
// cannot be opened.
func NewStdout(level logrus.Level) Logger {
	return New(os.Stdout, level)
}

func (l *logger) WithFields(fields logrus.Fields) Logger {
	return &logger{e: l.e.WithFields(fields)}
}

func (l *logger) WithField(key string, value interface{}) Logger {
	return &logger{e: l.e.WithField(key, value)}
}

func (l *logger) Debug(args ...interface{}) { l.e.Debug(args...) }
func (l *logger) Info(args ...interface{})  { l.e.Info(args...) }
func (l *logger) Warn(args ...interface{})  { l.e.Warn(args...) }
func (l *logger) Error(args ...interface{}) { l.e.Error(args...) }
func (l *logger) Fatal(args ...interface{}) { l.e.Error(args...) }

func (l *logger) Entry() *logrus.Entry {
	return l.e
}

var (
	defMu  sync.Mutex
	defLog Logger = NewStdout(logrus.InfoLevel)
)

// SetDefault replaces the process-wide fallback logger returned by
// Default. cmd/socketleyd calls this once, after config/ has resolved the
// configured level and output, before handing FuncLog closures to every
// other subsystem.
func SetDefault(l Logger) {
	defMu.Lock()
	defer defMu.Unlock()
	defLog = l
}

// Default returns the process-wide fallback logger. Used only as the
// FuncLog passed to subsystems that were not handed a more specific one
// (e.g. components constructed before a runtime name is known).
func Default() Logger {
	defMu.Lock()
	defer defMu.Unlock()
	return defLog
}
