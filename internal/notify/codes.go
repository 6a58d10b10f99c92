package notify

import (
	"context"
	"log"
	"time"
)

// LogCodeSender writes challenge codes to the process log. It is the
// development delivery channel; deployments plug in a real email/SMS sender
// behind the same method.
type LogCodeSender struct {
	logger *log.Logger
}

func NewLogCodeSender() *LogCodeSender {
	return &LogCodeSender{logger: log.New(log.Writer(), "[CODES] ", log.LstdFlags)}
}

func (s *LogCodeSender) Send(_ context.Context, target, code string, ttl time.Duration) error {
	s.logger.Printf("challenge code for %s: %s (valid %s)", target, code, ttl)
	return nil
}
