package socketserver

import (
	"github.com/hashicorp/go-metrics"
)

var (
	// MetricClientAcceptedCount counts admitted connections.
	MetricClientAcceptedCount  = []string{"sockshell", "client", "accepted", "count"}
	MetricClientRejectedCount  = []string{"sockshell", "client", "rejected", "count"}
	MetricClientClosedCount    = []string{"sockshell", "client", "closed", "count"}
	MetricClientActive         = []string{"sockshell", "client", "active"}
	MetricCommandCount         = []string{"sockshell", "command", "count"}
	MetricCommandUnknownCount  = []string{"sockshell", "command", "unknown", "count"}
	MetricCommandPanicCount    = []string{"sockshell", "command", "panic", "count"}
	MetricCommandDurationMs    = []string{"sockshell", "command", "duration", "ms"}
	MetricHistoryErrorCount    = []string{"sockshell", "history", "error", "count"}
	MetricBroadcastOutBytes    = []string{"sockshell", "broadcast", "out", "bytes"}
	MetricLineInBytes          = []string{"sockshell", "line", "in", "bytes"}
	MetricAcceptErrorCount     = []string{"sockshell", "accept", "error", "count"}
	MetricClientSendErrorCount = []string{"sockshell", "client", "send", "error", "count"}
)

// defaultCommandLabel names the default command in metrics, whatever the
// client typed
const defaultCommandLabel = "<default>"

type TelemetryLabel string

var (
	LabelNetwork  TelemetryLabel = "network"
	LabelCommand  TelemetryLabel = "command"
	LabelClientID TelemetryLabel = "client_id"
	LabelReason   TelemetryLabel = "reason"
	LabelStatus   TelemetryLabel = "status"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// labels appends extra to the server-wide labels without aliasing them
func (s *Server) labels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(s.metricLabels)+len(extra)+1)
	out = append(out, s.metricLabels...)
	out = append(out, LabelNetwork.M(string(s.network())))
	return append(out, extra...)
}
