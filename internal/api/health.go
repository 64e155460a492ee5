package api

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/heartbeat"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/stream"
)

// gRPC health service names.
const (
	MonitorService = "posguard.monitor"
	StreamService  = "posguard.stream"
)

// Health mirrors component state into a grpc health server.
type Health struct {
	server *health.Server
}

// NewHealth starts with both services NOT_SERVING.
func NewHealth() *Health {
	h := &Health{server: health.NewServer()}
	h.server.SetServingStatus(MonitorService, healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.SetServingStatus(StreamService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Server() *health.Server { return h.server }

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// SetMonitor reports the monitor as serving only when the heartbeat is Healthy.
func (h *Health) SetMonitor(state heartbeat.State) {
	h.server.SetServingStatus(MonitorService, servingStatus(state == heartbeat.Healthy))
}

// SetStream reports the stream as serving only while Connected.
func (h *Health) SetStream(state stream.State) {
	h.server.SetServingStatus(StreamService, servingStatus(state == stream.Connected))
}

// Bind keeps the health server in step with sup and conn. conn may be nil when
// the stream is disabled, in which case the stream service stays NOT_SERVING.
func (h *Health) Bind(sup *heartbeat.Supervisor, conn *stream.Connection) {
	h.SetMonitor(sup.State())
	sup.OnStateChange(func(_, to heartbeat.State) { h.SetMonitor(to) })
	if conn != nil {
		h.SetStream(conn.State())
		conn.OnStateChange(func(_, to stream.State) { h.SetStream(to) })
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() { h.server.Shutdown() }

// NewGRPCServer returns a server with the health service registered.
func NewGRPCServer(h *Health, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h.server)
	return srv
}
