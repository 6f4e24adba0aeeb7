package metrics

import (
	"bytes"
	"fmt"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/emitter/agent/internal/atomicfile"
	"github.com/obsidianstack/emitter/agent/internal/sender"
)

// Metric names written by WriteTextfile.
const (
	DeliveredTotal = "emitter_records_delivered_total"
	QueuedTotal    = "emitter_records_queued_total"
	FailuresTotal  = "emitter_send_failures_total"
	CancelledTotal = "emitter_send_cancelled_total"
	QueueEntries   = "emitter_queue_entries"
)

// Families converts a stats snapshot and the current queue length into
// metric families.
func Families(st sender.Stats, queueLen int) []*dto.MetricFamily {
	return []*dto.MetricFamily{
		counter(DeliveredTotal, "Records accepted by the collector on first submission.", st.Delivered),
		counter(QueuedTotal, "Records written to the durable queue after a rejection.", st.Queued),
		counter(FailuresTotal, "Records that were neither delivered nor queued.", st.Failed),
		counter(CancelledTotal, "Submissions abandoned because the caller cancelled.", st.Cancelled),
		{
			Name: proto.String(QueueEntries),
			Help: proto.String("Records currently waiting in the durable queue."),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(float64(queueLen))},
			}},
		},
	}
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Counter: &dto.Counter{Value: proto.Float64(float64(v))},
		}},
	}
}

// WriteTextfile renders the metrics and replaces path with them atomically.
func WriteTextfile(path string, st sender.Stats, queueLen int) error {
	var buf bytes.Buffer
	for _, mf := range Families(st, queueLen) {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}

	// Readable by the node exporter, which usually runs as another user.
	if err := atomicfile.Write(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
