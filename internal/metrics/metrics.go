// Package metrics exposes the engine's Prometheus collectors: per-status task
// transition meters, dispatch outcomes and redrive activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/fluxion/pkg/schema"
)

// Client holds the engine's collectors. A nil *Client is safe to use and
// records nothing, so tests and tools can run without a registry.
type Client struct {
	taskStatus *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	redrives   prometheus.Counter
}

// New creates a Client and registers its collectors with reg.
func New(reg prometheus.Registerer) *Client {
	c := &Client{
		taskStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxion_task_status_transitions_total",
			Help: "Task status transitions reported to the engine, by machine, task and status.",
		}, []string{"machine", "task", "status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxion_dispatches_total",
			Help: "Task execution dispatch attempts, by outcome (accepted, rejected).",
		}, []string{"outcome"}),
		redrives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxion_redrives_total",
			Help: "Watchdog-triggered task redrives.",
		}),
	}
	reg.MustRegister(c.taskStatus, c.dispatches, c.redrives)
	return c
}

// MarkTaskStatus records a task status transition.
func (c *Client) MarkTaskStatus(machine, task string, status schema.Status) {
	if c == nil {
		return
	}
	c.taskStatus.WithLabelValues(machine, task, string(status)).Inc()
}

// MarkDispatch records a dispatch attempt outcome.
func (c *Client) MarkDispatch(accepted bool) {
	if c == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	c.dispatches.WithLabelValues(outcome).Inc()
}

// MarkRedrive records one watchdog-triggered redrive.
func (c *Client) MarkRedrive() {
	if c == nil {
		return
	}
	c.redrives.Inc()
}
