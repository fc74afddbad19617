// Copyright 2024 The Seastar Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the logging front end of the stack. It fronts a logrus
// logger so packages log through one settable backend.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Fields is a set of structured fields attached to a log line.
type Fields = logrus.Fields

// SetLevel sets the verbosity of the backend. Recognized levels are the
// logrus level names ("trace", "debug", "info", "warn" or "warning",
// "error", "fatal", "panic"); anything else leaves the level unchanged.
func SetLevel(level string) {
	if lv, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lv)
	}
}

// SetOutput redirects the backend.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warningf logs a formatted message at warning level.
func Warningf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// WithFields returns an entry carrying structured fields.
func WithFields(f Fields) *logrus.Entry {
	return logger.WithFields(f)
}
