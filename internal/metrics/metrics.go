package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ReportsReceived   atomic.Int64
	ReportsRejected   atomic.Int64
	DuplicateEvents   atomic.Int64
	GpsFixesStored    atomic.Int64
	OutOfOrderFixes   atomic.Int64
	TripsStarted      atomic.Int64
	TripsFinished     atomic.Int64
	TripsTimedOut     atomic.Int64
	TripsRepaired     atomic.Int64
	EnrichQueueDrops  atomic.Int64
	EnrichSuccess     atomic.Int64
	EnrichFailures    atomic.Int64
	LiveStateFailures atomic.Int64
	MQTTMessages      atomic.Int64
)

var (
	gaugesMu sync.RWMutex
	gauges   = map[string]func() int64{}
)

// RegisterGauge 注册一个在输出时读取的值，同名覆盖
func RegisterGauge(name string, read func() int64) {
	gaugesMu.Lock()
	defer gaugesMu.Unlock()
	gauges[name] = read
}

// HandleMetrics 以 Prometheus 文本格式输出计数器与已注册的值
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "safedrive_reports_received_total %d\n", ReportsReceived.Load())
	fmt.Fprintf(w, "safedrive_reports_rejected_total %d\n", ReportsRejected.Load())
	fmt.Fprintf(w, "safedrive_duplicate_events_total %d\n", DuplicateEvents.Load())
	fmt.Fprintf(w, "safedrive_gps_fixes_stored_total %d\n", GpsFixesStored.Load())
	fmt.Fprintf(w, "safedrive_out_of_order_fixes_total %d\n", OutOfOrderFixes.Load())
	fmt.Fprintf(w, "safedrive_trips_started_total %d\n", TripsStarted.Load())
	fmt.Fprintf(w, "safedrive_trips_finished_total %d\n", TripsFinished.Load())
	fmt.Fprintf(w, "safedrive_trips_timed_out_total %d\n", TripsTimedOut.Load())
	fmt.Fprintf(w, "safedrive_trips_repaired_total %d\n", TripsRepaired.Load())
	fmt.Fprintf(w, "safedrive_enrich_queue_drops_total %d\n", EnrichQueueDrops.Load())
	fmt.Fprintf(w, "safedrive_enrich_success_total %d\n", EnrichSuccess.Load())
	fmt.Fprintf(w, "safedrive_enrich_failures_total %d\n", EnrichFailures.Load())
	fmt.Fprintf(w, "safedrive_live_state_failures_total %d\n", LiveStateFailures.Load())
	fmt.Fprintf(w, "safedrive_mqtt_messages_total %d\n", MQTTMessages.Load())

	gaugesMu.RLock()
	defer gaugesMu.RUnlock()
	names := make([]string, 0, len(gauges))
	for name := range gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %d\n", name, gauges[name]())
	}
}
