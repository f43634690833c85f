package socketserver

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/codefionn/sockshell/internal/history"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/hashicorp/go-metrics"
)

// ErrInvalidOption is returned by NewServer for out-of-range option values
var ErrInvalidOption = errors.New("invalid server option")

// HistoryStore records and lists command lines; *history.Store implements it
type HistoryStore interface {
	Record(ctx context.Context, e history.Entry) error
	List(ctx context.Context, q history.Query) ([]history.Entry, error)
}

// Option to pass to NewServer
type Option func(*Server) error

// WithLogger specifies which logger the server and its clients use.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the server.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(s *Server) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		s.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the server.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(s *Server) error {
		s.metricLabels = append([]metrics.Label(nil), labels...)
		return nil
	}
}

// WithHistory records every executed line in store and enables the history
// command.
func WithHistory(store HistoryStore) Option {
	return func(s *Server) error {
		s.history = store
		return nil
	}
}

// WithAcceptTimeout bounds each accept call, which is also how long
// Disconnect may wait for the accept loop to notice.
func WithAcceptTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return ErrInvalidOption
		}
		s.acceptTimeout = d
		return nil
	}
}

// WithRecvTimeout bounds each client read, which is also how long a closed
// client may take to leave its loop.
func WithRecvTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return ErrInvalidOption
		}
		s.recvTimeout = d
		return nil
	}
}

// WithMaxConnections limits the number of live clients. Zero means no limit.
func WithMaxConnections(n int) Option {
	return func(s *Server) error {
		if n < 0 {
			return ErrInvalidOption
		}
		s.maxConns = n
		return nil
	}
}

// WithPrompt sets PROMPT in the default environment.
func WithPrompt(prompt string) Option {
	return func(s *Server) error {
		s.env["PROMPT"] = prompt
		return nil
	}
}

// WithSocketMode sets the permissions of a Unix socket file.
func WithSocketMode(mode os.FileMode) Option {
	return func(s *Server) error {
		s.socketMode = mode
		return nil
	}
}

// WithBuiltins controls whether env, set, help and the other builtin
// commands are registered. They are by default.
func WithBuiltins(enabled bool) Option {
	return func(s *Server) error {
		s.builtins = enabled
		return nil
	}
}
