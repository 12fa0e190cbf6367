package node

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/dostini/gossip-glomers/pkg/protocol"
	"github.com/dostini/gossip-glomers/pkg/telemetry"
)

// outbox is the single owner of the output stream and the msg_id counter.
// Every write assigns the next id, encodes, writes the line and flushes as
// one step of its run loop.
type outbox struct {
	w     *bufio.Writer
	queue chan outbound
	done  chan struct{}
	next  uint64

	logger *slog.Logger
	msink  metrics.MetricSink
}

type outbound struct {
	msg    protocol.Message
	assign func(id uint64)
	result chan sent
}

type sent struct {
	id  uint64
	err error
}

func newOutbox(w io.Writer, logger *slog.Logger, msink metrics.MetricSink) *outbox {
	return &outbox{
		w:      bufio.NewWriter(w),
		queue:  make(chan outbound, 64),
		done:   make(chan struct{}),
		logger: logger,
		msink:  msink,
	}
}

// send hands msg to the run loop and waits until it is written. assign, when
// set, runs with the chosen id before any byte reaches the output.
func (o *outbox) send(ctx context.Context, msg protocol.Message, assign func(uint64)) (uint64, error) {
	req := outbound{
		msg:    msg,
		assign: assign,
		result: make(chan sent, 1),
	}

	select {
	case o.queue <- req:
	case <-o.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-req.result:
		return res.id, res.err
	case <-o.done:
		select {
		case res := <-req.result:
			return res.id, res.err
		default:
			return 0, ErrClosed
		}
	}
}

func (o *outbox) run(ctx context.Context) error {
	defer close(o.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-o.queue:
			id, err := o.write(req)
			req.result <- sent{id: id, err: err}
			if err != nil && !errors.Is(err, ErrEncode) {
				return err
			}
		}
	}
}

func (o *outbox) write(req outbound) (uint64, error) {
	id := o.next
	msg := req.msg
	msg.Body.MsgID = &id

	buf, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	if req.assign != nil {
		req.assign(id)
	}
	o.next++

	buf = append(buf, '\n')
	if _, err := o.w.Write(buf); err != nil {
		return id, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := o.w.Flush(); err != nil {
		return id, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	o.logger.Info("sent", slog.String("message", string(buf[:len(buf)-1])))
	o.msink.IncrCounterWithLabels(telemetry.MetricMessagesOut, 1, []metrics.Label{
		telemetry.LabelType.M(msg.Type()),
	})

	return id, nil
}
