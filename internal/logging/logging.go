// Package logging builds the component loggers used across sam.
//
// Every component logs through a *log.Logger with a bracketed prefix
// ("[sync] ", "[notion] ", "[watch] "). When a log file is configured the
// output is teed to stderr and a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	stdsync "sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the log file.
const (
	MaxSizeMB  = 10
	MaxBackups = 3
	MaxAgeDays = 28
)

// Sink is the shared destination of all component loggers.
type Sink struct {
	mu      stdsync.Mutex
	out     io.Writer
	rotator *lumberjack.Logger
	quiet   bool
}

// NewSink writes to stderr and, if file is not empty, to a rotated file.
// A quiet sink drops the stderr copy.
func NewSink(file string, quiet bool) *Sink {
	s := &Sink{quiet: quiet}
	var writers []io.Writer
	if !quiet {
		writers = append(writers, os.Stderr)
	}
	if file != "" {
		s.rotator = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
			MaxAge:     MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, s.rotator)
	}
	switch len(writers) {
	case 0:
		s.out = io.Discard
	case 1:
		s.out = writers[0]
	default:
		s.out = io.MultiWriter(writers...)
	}
	return s
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

// Logger returns a logger for component, prefixed "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s, "["+component+"] ", log.LstdFlags)
}

// Rotate starts a new log file. It is a no-op without a file.
func (s *Sink) Rotate() error {
	if s.rotator == nil {
		return nil
	}
	return s.rotator.Rotate()
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.rotator == nil {
		return nil
	}
	return s.rotator.Close()
}
