package miner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/models"
	"consensus-mining/internal/pow"
)

const solutionTopic = "sd/solution"

func setup(t *testing.T) (*Worker, <-chan bus.Message) {
	t.Helper()
	b, err := bus.NewInproc()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	out, err := b.Subscribe(ctx, solutionTopic)
	require.NoError(t, err)

	w := NewWorker("miner-1", b, solutionTopic, 0, nil, zerolog.Nop())
	t.Cleanup(w.Stop)
	return w, out
}

func nextSolution(t *testing.T, out <-chan bus.Message) models.Solution {
	t.Helper()
	select {
	case m := <-out:
		var sol models.Solution
		require.NoError(t, bus.Decode(m.Payload, &sol))
		return sol
	case <-time.After(2 * time.Second):
		t.Fatal("no solution published")
		return models.Solution{}
	}
}

func assertSilent(t *testing.T, out <-chan bus.Message) {
	t.Helper()
	select {
	case m := <-out:
		t.Fatalf("unexpected solution: %s", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerPublishesValidSolution(t *testing.T) {
	w, out := setup(t)
	task := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T1", Difficulty: 1})
	require.NotNil(t, task)

	sol := nextSolution(t, out)
	assert.Equal(t, models.Identity("miner-1"), sol.ClientID)
	assert.Equal(t, models.TransactionID("T1"), sol.TransactionID)
	_, ok := pow.Verify("T1", sol.Nonce, 1)
	assert.True(t, ok)
	waitDone(t, task)
}

func TestWorkerResultCancelsSearch(t *testing.T) {
	w, out := setup(t)
	task := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T1", Difficulty: unsolvable})

	w.OnResult(models.Result{ClientID: "someone-else", TransactionID: "T1"})
	waitDone(t, task)
	assert.Nil(t, w.Current())
	assert.True(t, w.Resolved("T1"))
	assertSilent(t, out)

	// a late duplicate of the resolved challenge must not restart mining
	assert.Nil(t, w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T1", Difficulty: 1}))
	assertSilent(t, out)
}

func TestWorkerResultForOtherTransactionKeepsSearching(t *testing.T) {
	w, _ := setup(t)
	task := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T2", Difficulty: unsolvable})

	w.OnResult(models.Result{ClientID: "x", TransactionID: "T1"})
	assert.Same(t, task, w.Current())
	select {
	case <-task.Done():
		t.Fatal("search for T2 stopped by result for T1")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerNewChallengeSupersedes(t *testing.T) {
	w, out := setup(t)
	old := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T1", Difficulty: unsolvable})

	same := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T1", Difficulty: unsolvable})
	assert.Same(t, old, same, "duplicate challenge must not restart the search")

	fresh := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T2", Difficulty: 1})
	waitDone(t, old)
	assert.NotSame(t, old, fresh)

	sol := nextSolution(t, out)
	assert.Equal(t, models.TransactionID("T2"), sol.TransactionID)
	assertSilent(t, out)
}

func TestWorkerStop(t *testing.T) {
	w, out := setup(t)
	task := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T1", Difficulty: unsolvable})
	w.Stop()
	waitDone(t, task)
	assert.Nil(t, w.Current())
	assertSilent(t, out)
}

// stalledBus holds every publish until released, like a broker that is slow to ack.
type stalledBus struct {
	bus.Bus
	entered chan struct{}
	release chan struct{}
}

func (b *stalledBus) Publish(ctx context.Context, _ string, _ []byte) error {
	close(b.entered)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestWorkerResultDoesNotWaitForPublish(t *testing.T) {
	b := &stalledBus{entered: make(chan struct{}), release: make(chan struct{})}
	w := NewWorker("miner-1", b, solutionTopic, 0, nil, zerolog.Nop())
	task := w.OnChallenge(context.Background(), models.Challenge{TransactionID: "T1", Difficulty: 0})
	<-b.entered

	returned := make(chan struct{})
	go func() {
		w.OnResult(models.Result{ClientID: "someone-else", TransactionID: "T1"})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("OnResult blocked behind an in-flight solution publish")
	}
	assert.Nil(t, w.Current())

	close(b.release)
	waitDone(t, task)
}
