// Package temporal runs chat executions as durable Temporal workflows. The
// workflow carries the fallback walk; the activities reuse the arbitration
// engine and execution pipeline so durable and direct requests behave the
// same way.
package temporal

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config names the Temporal frontend and the task queue the worker polls.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager couples the workflow client with the in-process worker so both
// start and stop together.
type Manager struct {
	c         client.Client
	w         worker.Worker
	taskQueue string
}

// New dials the Temporal frontend and registers the execution workflow and
// its activities on a fresh worker. The worker does not poll until Start.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(ExecuteWorkflow)
	w.RegisterActivity(acts.SelectModel)
	w.RegisterActivity(acts.DispatchToProvider)
	w.RegisterActivity(acts.RecordOutcome)

	return &Manager{c: c, w: w, taskQueue: cfg.TaskQueue}, nil
}

// Start begins polling the task queue.
func (m *Manager) Start() error {
	return m.w.Start()
}

// Client exposes the workflow client for starting and inspecting executions.
func (m *Manager) Client() client.Client {
	return m.c
}

// TaskQueue returns the queue workflows must be started on.
func (m *Manager) TaskQueue() string {
	return m.taskQueue
}

// Stop drains the worker, then closes the client connection.
func (m *Manager) Stop() {
	if m.w != nil {
		m.w.Stop()
	}
	if m.c != nil {
		m.c.Close()
	}
}
