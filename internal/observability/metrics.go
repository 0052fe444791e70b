// Package observability provides the Prometheus counters exposed on
// /metrics and the OpenTelemetry tracing setup.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Daemon-wide counters. They live on the default registry, which the
// daemon serves via promhttp.
var (
	// HTTPRequestsTotal counts HTTP requests handled.
	// Labels: method, code.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoagent_http_requests_total",
		Help: "HTTP requests handled, by method and status code.",
	}, []string{"method", "code"})

	// SessionsCreatedTotal counts sessions created since process start.
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repoagent_sessions_created_total",
		Help: "Sessions created since process start.",
	})

	// TurnsSubmittedTotal counts turns accepted for execution.
	TurnsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repoagent_turns_submitted_total",
		Help: "Turns accepted for execution since process start.",
	})

	// EventsEmittedTotal counts events appended to session buffers.
	// Labels: type (the closed event-type set).
	EventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoagent_events_emitted_total",
		Help: "Agent events appended to session buffers, by event type.",
	}, []string{"type"})

	// ToolExecutionsTotal counts actual tool executions (deduplicated
	// calls served from cache are not counted).
	// Labels: tool.
	ToolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoagent_tool_executions_total",
		Help: "Repository tool executions, by tool name.",
	}, []string{"tool"})
)
