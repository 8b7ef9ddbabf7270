package core

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task drives one ReaderNode: a timer goroutine signals a worker goroutine
// every poll interval, the worker runs one cycle per signal. Cycles never
// overlap because the worker only takes the next signal after the previous
// cycle returned; the single-slot trigger channel coalesces signals that
// arrive while a cycle is still running.
type Task struct {
	node     *ReaderNode
	interval time.Duration
	logger   *zap.Logger

	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartTask launches the timer and worker goroutines. The worker waits for
// the first timer signal before doing anything; the initial reading happens
// on the construction path, not here.
func StartTask(node *ReaderNode, logger *zap.Logger) *Task {
	t := &Task{
		node:     node,
		interval: node.PollInterval(),
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.timer()
	go t.worker()
	return t
}

func (t *Task) timer() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			select {
			case t.trigger <- struct{}{}:
			default:
			}
		}
	}
}

func (t *Task) worker() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.trigger:
			t.node.PollAndPush(nil)
		}
	}
}

// Stop requests shutdown. A cycle in flight finishes; cancellation only
// takes effect at the next trigger wait.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// Wait blocks until the worker exited.
func (t *Task) Wait() {
	<-t.done
}

func (t *Task) Interval() time.Duration {
	return t.interval
}
