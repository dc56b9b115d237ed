package notify

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConsoleSink writes alerts through a zerolog logger.
type ConsoleSink struct {
	logger zerolog.Logger
}

// NewConsoleSink creates a console sink on the given logger.
func NewConsoleSink(logger zerolog.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger.With().Str("sink", "console").Logger()}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Send(_ context.Context, message string) error {
	s.logger.Info().Msg("\n" + message)
	return nil
}

// FileSink appends timestamped alerts to a file.
type FileSink struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileSink creates a sink appending to path. The file is created on the
// first message.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path, now: time.Now}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Send(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open alert file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n[%s]\n%s\n", s.now().UTC().Format("2006-01-02 15:04:05"), message); err != nil {
		return fmt.Errorf("failed to write alert file: %w", err)
	}
	return nil
}
