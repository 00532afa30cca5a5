package analyzer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// MessageSink receives diagnostic and progress text. It is write-only.
type MessageSink interface {
	Write(line string)
}

// SlogSink forwards lines to a slog logger.
type SlogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (s SlogSink) Write(line string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), s.Level, line)
}

// WriterSink writes one line per message to W.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *WriterSink) Write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.W, line)
}

type discardSink struct{}

func (discardSink) Write(string) {}

// DiscardSink drops every message.
var DiscardSink MessageSink = discardSink{}
