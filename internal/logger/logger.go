// Copyright 2024 Google LLC
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

// Package logger is the process-wide structured logger: a thin layer over
// log/slog with five custom severities (TRACE, DEBUG, INFO, WARNING, ERROR)
// and two wire formats (text, json), rotated to disk through lumberjack
// when a log file is configured.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, mapped onto slog.Level at multiples of 4 so they sort
// correctly alongside slog's own Debug/Info/Warn/Error levels.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelOff     = slog.Level(16)
)

var severityNames = map[slog.Level]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

// Config describes how the logger should be set up: severity, wire format
// and, optionally, a rotated log file.
type Config struct {
	Severity   string
	Format     string // "text" or "json"
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func severityFromString(s string) slog.Level {
	switch s {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING":
		return LevelWarning
	case "ERROR":
		return LevelError
	default:
		return LevelOff
	}
}

type loggerFactory struct {
	format string
	level  *slog.LevelVar
	out    io.Writer
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				lvl, _ := a.Value.Any().(slog.Level)
				return slog.String("severity", severityNames[lvl])
			case slog.MessageKey:
				return slog.String("message", prefix+a.Value.String())
			case slog.TimeKey:
				if f.format == "json" {
					t := a.Value.Time()
					return slog.Group("timestamp",
						slog.Int64("seconds", t.Unix()),
						slog.Int("nanos", t.Nanosecond()))
				}
				return slog.String("time", a.Value.Time().Format("2006/01/02 15:04:05.000000"))
			}
			return a
		},
	}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var (
	defaultLoggerFactory = &loggerFactory{format: "text", level: new(slog.LevelVar), out: os.Stderr}
	defaultLogger        = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, defaultLoggerFactory.level, ""))
)

func setLoggingLevel(severity string, level *slog.LevelVar) {
	level.Set(severityFromString(severity))
}

// Init reconfigures the package-level logger per cfg. Call once at process
// startup before any rename2 traffic is served.
func Init(cfg Config) error {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			Compress:   true,
		}
	}

	format := cfg.Format
	if format == "" {
		format = "text"
	}

	defaultLoggerFactory = &loggerFactory{format: format, level: new(slog.LevelVar), out: w}
	setLoggingLevel(cfg.Severity, defaultLoggerFactory.level)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, defaultLoggerFactory.level, ""))
	return nil
}

func orDefault(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func log(level slog.Level, format string, v ...interface{}) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { log(LevelTrace, format, v...) }
func Debugf(format string, v ...interface{}) { log(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { log(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { log(LevelWarning, format, v...) }
func Errorf(format string, v ...interface{}) { log(LevelError, format, v...) }

// SlogLogger exposes the package-level handler as a *slog.Logger for
// collaborators that want a *slog.Logger rather than these package-level
// helpers. fuse.MountConfig's *log.Logger fields use NewLegacyLogger instead.
func SlogLogger() *slog.Logger { return defaultLogger }

// NewLegacyLogger adapts the package logger to the standard *log.Logger
// interface that jacobsa/fuse's MountConfig.ErrorLogger/DebugLogger expect,
// logging everything written to it at level under the given prefix.
func NewLegacyLogger(level slog.Level, prefix, fsName string) *log.Logger {
	l := slog.NewLogLogger(defaultLogger.Handler(), level)
	l.SetPrefix(fmt.Sprintf("%s%s: ", prefix, fsName))
	return l
}
