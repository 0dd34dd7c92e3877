// Package miner runs the proof-of-work search on non-leader participants.
package miner

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/metrics"
	"consensus-mining/internal/models"
)

// Worker keeps at most one search task alive. A challenge for a different
// transaction supersedes the running task; a result for the transaction being
// searched cancels it.
type Worker struct {
	self       models.Identity
	bus        bus.Bus
	topic      string
	log        zerolog.Logger
	metrics    *metrics.Collector
	yieldEvery uint64

	mu       sync.Mutex
	task     *Task
	resolved map[models.TransactionID]struct{}
}

func NewWorker(self models.Identity, b bus.Bus, solutionTopic string, yieldEvery uint64, m *metrics.Collector, log zerolog.Logger) *Worker {
	return &Worker{
		self:       self,
		bus:        b,
		topic:      solutionTopic,
		log:        log.With().Str("component", "miner").Logger(),
		metrics:    m,
		yieldEvery: yieldEvery,
		resolved:   make(map[models.TransactionID]struct{}),
	}
}

// OnChallenge starts mining ch unless it is already being mined or already
// resolved. It returns the task that is running afterwards, if any.
func (w *Worker) OnChallenge(ctx context.Context, ch models.Challenge) *Task {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, done := w.resolved[ch.TransactionID]; done {
		w.log.Debug().Str("tx", string(ch.TransactionID)).Msg("ignoring challenge for resolved transaction")
		return w.task
	}
	if w.task != nil {
		if w.task.TransactionID() == ch.TransactionID {
			return w.task
		}
		w.log.Info().
			Str("old_tx", string(w.task.TransactionID())).
			Str("tx", string(ch.TransactionID)).
			Msg("challenge superseded, cancelling search")
		w.task.Cancel()
	}

	w.log.Info().Str("tx", string(ch.TransactionID)).Int("difficulty", ch.Difficulty).Msg("mining started")
	w.task = startTask(ctx, ch, taskConfig{
		yieldEvery: w.yieldEvery,
		publish:    func(f Found) { w.submit(ctx, f) },
		onHashes:   func(n uint64) { w.metrics.Hashes(string(w.self), n) },
	})
	return w.task
}

// OnResult records a finished transaction and stops the search for it.
func (w *Worker) OnResult(res models.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.resolved[res.TransactionID] = struct{}{}
	if w.task != nil && w.task.TransactionID() == res.TransactionID {
		w.task.Cancel()
		w.task = nil
		w.log.Info().
			Str("tx", string(res.TransactionID)).
			Str("winner", res.ClientID.Short()).
			Bool("won", res.ClientID == w.self).
			Msg("transaction resolved, search stopped")
	}
}

// Resolved reports whether a result was seen for id.
func (w *Worker) Resolved(id models.TransactionID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.resolved[id]
	return ok
}

// Current returns the running task, or nil.
func (w *Worker) Current() *Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.task
}

// Stop cancels the running task and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	t := w.task
	w.task = nil
	w.mu.Unlock()
	if t != nil {
		t.Cancel()
		<-t.Done()
	}
}

func (w *Worker) submit(ctx context.Context, f Found) {
	sol := models.Solution{ClientID: w.self, TransactionID: f.Challenge.TransactionID, Nonce: f.Nonce}
	if err := bus.PublishJSON(ctx, w.bus, w.topic, sol); err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Str("tx", string(sol.TransactionID)).Msg("could not publish solution")
		}
		return
	}
	w.metrics.SolutionSubmitted(string(w.self))
	w.log.Info().
		Str("tx", string(sol.TransactionID)).
		Uint64("nonce", f.Nonce).
		Str("hash", f.Hash).
		Msg("solution found")
}
