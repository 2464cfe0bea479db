// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package agentq implements the asynchronous RPC fan-out to compute
// nodes. The step manager publishes a message and returns; delivery and
// bounded retry happen on the agent's own goroutine. The core never
// waits on the agent.
package agentq

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jontk/slurm-controller/pkg/logging"
	"github.com/jontk/slurm-controller/pkg/metrics"
	"github.com/jontk/slurm-controller/pkg/retry"
)

// MsgType names an outbound node-daemon RPC.
type MsgType string

const (
	MsgTerminateTasks MsgType = "terminate_tasks"
	MsgSignalTasks    MsgType = "signal_tasks"
)

// Message is one fan-out request.
type Message struct {
	ID     uuid.UUID
	Type   MsgType
	Hosts  []string
	JobID  uint32
	StepID uint32
	Signal int
	// Retry bounds delivery attempts; zero uses the agent default.
	Retry int
}

// Agent accepts fan-out messages without blocking.
type Agent interface {
	Enqueue(msg Message)
}

// DeliverFunc attempts delivery of a message to one host. The agent
// retries per its backoff strategy on error.
type DeliverFunc func(host string, msg Message) error

// Queue is the bounded agent work list with a background dispatcher.
type Queue struct {
	log     logging.Logger
	met     metrics.Collector
	deliver DeliverFunc
	backoff retry.BackoffStrategy
	retries int

	work chan Message

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// Options configures a Queue.
type Options struct {
	Depth   int
	Retries int
	Deliver DeliverFunc
	Backoff retry.BackoffStrategy
	Metrics metrics.Collector
}

// NewQueue starts an agent queue. Deliver may be nil, in which case
// messages are logged and dropped (the switch/none of agents).
func NewQueue(log logging.Logger, opts Options) *Queue {
	if opts.Depth <= 0 {
		opts.Depth = 1024
	}
	if opts.Retries <= 0 {
		opts.Retries = 10
	}
	if opts.Backoff == nil {
		opts.Backoff = &retry.FixedBackoff{Delay: 0, MaxAttempts: opts.Retries}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopCollector{}
	}
	q := &Queue{
		log:     log,
		met:     opts.Metrics,
		deliver: opts.Deliver,
		backoff: opts.Backoff,
		retries: opts.Retries,
		work:    make(chan Message, opts.Depth),
		stop:    make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue publishes a message. A full queue drops the message with a log
// entry rather than blocking the caller.
func (q *Queue) Enqueue(msg Message) {
	if msg.ID == (uuid.UUID{}) {
		msg.ID = uuid.New()
	}
	if msg.Retry <= 0 {
		msg.Retry = q.retries
	}
	select {
	case q.work <- msg:
		q.met.RecordAgentEnqueue()
	default:
		q.met.RecordAgentDrop()
		q.log.Error("agent queue full, dropping message",
			"msg_id", msg.ID, "type", msg.Type,
			"job_id", msg.JobID, "step_id", msg.StepID)
	}
}

// Close stops the dispatcher after draining queued work.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case msg := <-q.work:
			q.dispatch(msg)
		case <-q.stop:
			// drain what is already queued
			for {
				select {
				case msg := <-q.work:
					q.dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) dispatch(msg Message) {
	if q.deliver == nil {
		q.log.Debug("agent message discarded (no transport)",
			"msg_id", msg.ID, "type", msg.Type, "hosts", len(msg.Hosts))
		return
	}
	for _, host := range msg.Hosts {
		q.deliverWithRetry(host, msg)
	}
}

// deliverWithRetry gives up silently once attempts are exhausted; the
// node-daemon resends completion status through its own RPCs.
func (q *Queue) deliverWithRetry(host string, msg Message) {
	for attempt := 0; attempt < msg.Retry; attempt++ {
		err := q.deliver(host, msg)
		if err == nil {
			return
		}
		delay, ok := q.backoff.NextDelay(attempt)
		if !ok {
			break
		}
		q.log.Debug("agent delivery failed, retrying",
			"msg_id", msg.ID, "host", host, "attempt", attempt, "error", err)
		if delay > 0 {
			select {
			case <-q.stop:
				// draining: retry immediately
			case <-time.After(delay):
			}
		}
	}
	q.log.Warn("agent delivery abandoned",
		"msg_id", msg.ID, "host", host, "type", msg.Type)
}
