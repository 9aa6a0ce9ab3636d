// Package logging is a small leveled wrapper over the standard library's
// log.Logger, formatted differently depending on whether stderr is an
// interactive terminal.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level is a logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// colors used for TTY output, one per level.
var colors = map[Level]string{
	LevelDebug: "\x1b[36m", // cyan
	LevelInfo:  "\x1b[32m", // green
	LevelWarn:  "\x1b[33m", // yellow
	LevelError: "\x1b[31m", // red
}

const colorReset = "\x1b[0m"

// Logger implements nbd.Logger plus Info/Warn for the daemon's own
// startup/shutdown messages.
type Logger struct {
	out   *log.Logger
	level Level
	color bool
}

// New builds a Logger writing to os.Stderr, filtered at level, colorized
// only when stderr is attached to a terminal.
func New(level Level) *Logger {
	return &Logger{
		out:   log.New(os.Stderr, "", log.LstdFlags),
		level: level,
		color: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

func (l *Logger) logf(lvl Level, format string, args ...interface{}) {
	if lvl < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.color {
		l.out.Printf("%s%-5s%s %s", colors[lvl], lvl, colorReset, msg)
	} else {
		l.out.Printf("level=%s msg=%q", lvl, msg)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
