package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "posguard_events_total", Help: "Market events ingested from the stream"},
		[]string{"kind"},
	)
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "posguard_events_dropped_total", Help: "Events evicted from a full event channel"},
		[]string{"channel"},
	)
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "posguard_connection_state", Help: "1 for the current connection state, 0 otherwise"},
		[]string{"state"},
	)
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "posguard_reconnects_total", Help: "Reconnect attempts scheduled by the stream"},
	)
	ChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "posguard_checks_total", Help: "Completed monitor iterations"},
	)
	FetchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "posguard_position_fetch_failures_total", Help: "Failed broker position fetches"},
	)
	TrackedPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "posguard_tracked_positions", Help: "Positions currently tracked by the ledger"},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "posguard_alerts_total", Help: "Alerts dispatched"},
		[]string{"kind"},
	)
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "posguard_alert_deliveries_total", Help: "Alert deliveries per channel and outcome"},
		[]string{"channel", "outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "posguard_orders_total", Help: "Exit orders submitted"},
		[]string{"symbol", "side"},
	)
	HeartbeatState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "posguard_heartbeat_state", Help: "0 healthy, 1 degraded, 2 emergency"},
	)
	AuditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "posguard_audit_records_total", Help: "Audit records appended"},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsTotal, EventsDropped, ConnectionState, Reconnects,
		ChecksTotal, FetchFailures, TrackedPositions,
		AlertsTotal, DeliveriesTotal, OrdersTotal,
		HeartbeatState, AuditRecords,
	)
}

// Handler exposes the default registry for embedding into another router.
func Handler() http.Handler { return promhttp.Handler() }

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
