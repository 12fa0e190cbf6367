package node

import (
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/semaphore"
)

// Option to pass to `NewNode`
type Option func(*Node)

// WithInput replaces stdin as the source of messages.
func WithInput(r io.Reader) Option {
	return func(n *Node) {
		n.in = r
	}
}

// WithOutput replaces stdout as the destination of messages.
func WithOutput(w io.Writer) Option {
	return func(n *Node) {
		n.out = w
	}
}

// WithLogger sets the diagnostic logger. It must not write to the output.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMetricSink chooses where runtime metrics go.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(n *Node) {
		if ms != nil {
			n.msink = ms
		}
	}
}

// WithTickInterval sets how often a Ticker handler is ticked. Zero disables
// ticking.
func WithTickInterval(interval time.Duration) Option {
	return func(n *Node) {
		n.tickInterval = interval
	}
}

// WithMaxInFlight bounds how many handler invocations run at once. Zero
// means unbounded. The reader never waits on this bound.
func WithMaxInFlight(max int64) Option {
	return func(n *Node) {
		if max > 0 {
			n.slots = semaphore.NewWeighted(max)
		} else {
			n.slots = nil
		}
	}
}
