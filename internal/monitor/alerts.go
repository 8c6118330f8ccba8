package monitor

import "github.com/rs/zerolog"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log at error level.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Error().Str("alert", message).Msg("operator alert")
	return nil
}

// FuncSink adapts a function to AlertSink.
type FuncSink func(string) error

func (f FuncSink) Send(message string) error { return f(message) }
