package miner

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"consensus-mining/internal/models"
	"consensus-mining/internal/pow"
)

// hashFlushEvery batches hash counts before handing them to metrics.
const hashFlushEvery = 4096

// Found is handed to the publish callback when a task finds a nonce.
type Found struct {
	Challenge models.Challenge
	Nonce     uint64
	Hash      string
}

// Task states. A task leaves taskRunning exactly once, either through Cancel
// or by claiming a solution.
const (
	taskRunning int32 = iota
	taskCancelled
	taskClaimed
)

// Task is one running proof-of-work search. The loop checks the state on
// every iteration. Cancel and a found solution race for the same CAS, so a
// successful Cancel guarantees the task never publishes, and Cancel never
// waits for an in-flight publish.
type Task struct {
	challenge models.Challenge
	state     atomic.Int32
	hashes    atomic.Uint64

	done chan struct{}
}

type taskConfig struct {
	yieldEvery uint64
	publish    func(Found)
	onHashes   func(n uint64)
}

// startTask launches the search goroutine for ch. The task also stops when
// ctx is cancelled.
func startTask(ctx context.Context, ch models.Challenge, cfg taskConfig) *Task {
	t := &Task{challenge: ch, done: make(chan struct{})}
	stopWatch := context.AfterFunc(ctx, func() { t.Cancel() })
	go func() {
		defer close(t.done)
		defer stopWatch()
		t.search(cfg)
	}()
	return t
}

// Cancel stops the search cooperatively and returns immediately. It reports
// false when the search had already claimed a solution, which is then still
// published. It is safe to call more than once.
func (t *Task) Cancel() bool {
	if t.state.CompareAndSwap(taskRunning, taskCancelled) {
		return true
	}
	return t.state.Load() == taskCancelled
}

// Done is closed when the search goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) TransactionID() models.TransactionID {
	return t.challenge.TransactionID
}

// Hashes returns the number of digests computed so far.
func (t *Task) Hashes() uint64 {
	return t.hashes.Load()
}

func (t *Task) search(cfg taskConfig) {
	var pending uint64
	flush := func() {
		if pending > 0 && cfg.onHashes != nil {
			cfg.onHashes(pending)
		}
		pending = 0
	}
	defer flush()

	tx, difficulty := t.challenge.TransactionID, t.challenge.Difficulty
	for nonce := uint64(0); ; nonce++ {
		if t.state.Load() != taskRunning {
			return
		}
		h := pow.Digest(tx, nonce)
		t.hashes.Inc()
		pending++

		if pow.Satisfies(h, difficulty) {
			if t.state.CompareAndSwap(taskRunning, taskClaimed) {
				cfg.publish(Found{Challenge: t.challenge, Nonce: nonce, Hash: h})
			}
			return
		}

		if pending >= hashFlushEvery {
			flush()
		}
		if cfg.yieldEvery > 0 && (nonce+1)%cfg.yieldEvery == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}
