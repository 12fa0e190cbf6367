package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricMessagesIn      = []string{"glomers", "node", "messages", "in"}
	MetricMessagesOut     = []string{"glomers", "node", "messages", "out"}
	MetricServiceRouted   = []string{"glomers", "node", "service", "routed"}
	MetricHandlerErrors   = []string{"glomers", "node", "handler", "error", "count"}
	MetricHandlerLatency  = []string{"glomers", "node", "handler", "latency", "ms"}
	MetricHandlersRunning = []string{"glomers", "node", "handlers", "running"}
	MetricTicks           = []string{"glomers", "node", "ticks"}
	MetricRPCPending      = []string{"glomers", "rpc", "pending"}
	MetricRPCUnmatched    = []string{"glomers", "rpc", "unmatched", "count"}
	MetricRPCFailures     = []string{"glomers", "rpc", "error", "count"}
	MetricGossipSent      = []string{"glomers", "gossip", "sent"}
	MetricGossipValues    = []string{"glomers", "gossip", "values"}
	MetricGossipUnacked   = []string{"glomers", "gossip", "unacked"}
	MetricCounterValue    = []string{"glomers", "counter", "value"}
	MetricCounterSyncErr  = []string{"glomers", "counter", "sync", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError   TelemetryLabel = "error"
	LabelType    TelemetryLabel = "type"
	LabelPeer    TelemetryLabel = "peer"
	LabelService TelemetryLabel = "service"
	LabelNode    TelemetryLabel = "node"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// OrBlackhole returns sink, or a sink that drops everything when sink is nil.
func OrBlackhole(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return &metrics.BlackholeSink{}
	}
	return sink
}
