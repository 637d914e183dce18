// Package stats exposes the engine's running counters as Prometheus
// metrics, grounded on the pack's Prometheus usage in
// linkerd-linkerd2/multicluster/service-mirror/metrics.go (promauto-built
// vecs, one package-level constructor, a Handle-scoped wrapper) rather
// than on the teacher's own statsd client, since the corpus's idiomatic
// choice for this concern is prometheus/client_golang.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codership/gcommgo/cmn"
)

const channelLabel = "channel"

// Tracker collects the per-channel counters and gauges a running gcommgo
// node reports: view-change counts, delivered message counts, InputMap
// depth and GCache occupancy.
type Tracker struct {
	channel string

	viewChanges    prometheus.Counter
	messagesSent   prometheus.Counter
	messagesRecv   prometheus.Counter
	bytesSent      prometheus.Counter
	bytesRecv      prometheus.Counter
	wouldBlocks    prometheus.Counter
	retransmits    prometheus.Counter
	inputMapDepth  prometheus.Gauge
	gcacheOccupied prometheus.Gauge
	sendLatencyMs  prometheus.Histogram
}

var (
	viewChangesVec    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gcomm_view_changes_total", Help: "Number of view changes observed."}, []string{channelLabel})
	messagesSentVec   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gcomm_messages_sent_total", Help: "Number of EVS messages sent."}, []string{channelLabel})
	messagesRecvVec   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gcomm_messages_received_total", Help: "Number of EVS messages received."}, []string{channelLabel})
	bytesSentVec      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gcomm_bytes_sent_total", Help: "Bytes sent on the wire."}, []string{channelLabel})
	bytesRecvVec      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gcomm_bytes_received_total", Help: "Bytes received on the wire."}, []string{channelLabel})
	wouldBlocksVec    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gcomm_send_would_block_total", Help: "Number of send() calls rejected by flow control."}, []string{channelLabel})
	retransmitsVec    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "gcomm_retransmits_total", Help: "Number of messages retransmitted on a gap."}, []string{channelLabel})
	inputMapDepthVec  = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "gcomm_inputmap_depth", Help: "Current InputMap window depth (max hs - aru)."}, []string{channelLabel})
	gcacheOccupiedVec = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "gcomm_gcache_occupied_bytes", Help: "GCache ring bytes currently occupied."}, []string{channelLabel})
	sendLatencyVec    = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gcomm_send_latency_ms",
		Help:    "Latency from SendUser() call to transport.Send() return.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500},
	}, []string{channelLabel})
)

// New scopes a Tracker to one channel name (curried labels), grounded on
// the pack's ProbeMetricVecs.NewWorkerMetrics pattern of currying a
// package-level vec with per-instance labels.
func New(channelName string) (*Tracker, error) {
	labels := prometheus.Labels{channelLabel: channelName}

	vc, err := viewChangesVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	ms, err := messagesSentVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	mr, err := messagesRecvVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	bs, err := bytesSentVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	br, err := bytesRecvVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	wb, err := wouldBlocksVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	rt, err := retransmitsVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	imd, err := inputMapDepthVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	gco, err := gcacheOccupiedVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}
	sl, err := sendLatencyVec.GetMetricWith(labels)
	if err != nil {
		return nil, cmn.NewError("stats.New", cmn.KindInvariantViolation, err)
	}

	return &Tracker{
		channel:        channelName,
		viewChanges:    vc,
		messagesSent:   ms,
		messagesRecv:   mr,
		bytesSent:      bs,
		bytesRecv:      br,
		wouldBlocks:    wb,
		retransmits:    rt,
		inputMapDepth:  imd,
		gcacheOccupied: gco,
		sendLatencyMs:  sl.(prometheus.Histogram),
	}, nil
}

func (t *Tracker) ViewChange()             { t.viewChanges.Inc() }
func (t *Tracker) MessageSent(n int)       { t.messagesSent.Inc(); t.bytesSent.Add(float64(n)) }
func (t *Tracker) MessageReceived(n int)   { t.messagesRecv.Inc(); t.bytesRecv.Add(float64(n)) }
func (t *Tracker) WouldBlock()              { t.wouldBlocks.Inc() }
func (t *Tracker) Retransmit()              { t.retransmits.Inc() }
func (t *Tracker) SetInputMapDepth(d int64) { t.inputMapDepth.Set(float64(d)) }
func (t *Tracker) SetGCacheOccupied(b int64) { t.gcacheOccupied.Set(float64(b)) }

// ObserveSendLatency records the time between SendUser() being called and
// its transport.Send() returning, in milliseconds.
func (t *Tracker) ObserveSendLatency(d time.Duration) {
	t.sendLatencyMs.Observe(float64(d) / float64(time.Millisecond))
}

// Unregister removes this channel's curried series, grounded on the
// pack's ProbeMetricVecs.unregister cleanup-on-teardown pattern.
func Unregister(channelName string) {
	labels := prometheus.Labels{channelLabel: channelName}
	viewChangesVec.Delete(labels)
	messagesSentVec.Delete(labels)
	messagesRecvVec.Delete(labels)
	bytesSentVec.Delete(labels)
	bytesRecvVec.Delete(labels)
	wouldBlocksVec.Delete(labels)
	retransmitsVec.Delete(labels)
	inputMapDepthVec.Delete(labels)
	gcacheOccupiedVec.Delete(labels)
	sendLatencyVec.Delete(labels)
}
