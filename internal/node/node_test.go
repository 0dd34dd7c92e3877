package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/models"
	"consensus-mining/internal/pow"
)

var topics = bus.NewTopics("sd/")

func testOptions(n int) Options {
	return Options{
		Participants:     n,
		Topics:           topics,
		AnnounceInterval: 20 * time.Millisecond,
		ChallengeDelay:   10 * time.Millisecond,
		Difficulty:       func() int { return 1 },
	}
}

type cluster struct {
	bus   *bus.Inproc
	nodes []*Node
	ctx   context.Context
	g     *errgroup.Group
}

func startCluster(t *testing.T, n int, configure func(i int, o *Options)) *cluster {
	t.Helper()
	b, err := bus.NewInproc()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &cluster{bus: b, ctx: gctx, g: g}
	for i := 0; i < n; i++ {
		opts := testOptions(n)
		if configure != nil {
			configure(i, &opts)
		}
		nd := New(models.NewIdentity(), b, opts, zerolog.Nop())
		c.nodes = append(c.nodes, nd)
		g.Go(func() error { return nd.Run(gctx) })
	}
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
		_ = b.Close()
	})
	return c
}

func (c *cluster) waitOperational(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, nd := range c.nodes {
			if nd.Phase() != PhaseOperational {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func firstValidNonce(tx models.TransactionID, difficulty int) uint64 {
	for n := uint64(0); ; n++ {
		if pow.Satisfies(pow.Digest(tx, n), difficulty) {
			return n
		}
	}
}

func TestPhaseAndRoleStrings(t *testing.T) {
	assert.Equal(t, "DISCOVERY", PhaseDiscovery.String())
	assert.Equal(t, "ELECTION", PhaseElection.String())
	assert.Equal(t, "OPERATIONAL", PhaseOperational.String())
	assert.Equal(t, "UNKNOWN", Phase(9).String())
	assert.Equal(t, "CONTROLLER", RoleController.String())
	assert.Equal(t, "WORKER", RoleWorker.String())
	assert.Equal(t, "-", RoleUndecided.String())
}

func TestClusterElectsOneLeader(t *testing.T) {
	c := startCluster(t, 3, nil)
	c.waitOperational(t)

	leader := c.nodes[0].Snapshot().Leader
	require.NotEmpty(t, leader)

	controllers := 0
	for _, nd := range c.nodes {
		s := nd.Snapshot()
		assert.Equal(t, leader, s.Leader, "all nodes agree on the leader")
		assert.Equal(t, 3, s.Peers)
		assert.Equal(t, 3, s.Votes)
		if s.Role == RoleController {
			controllers++
			assert.Equal(t, leader, s.ID)
		} else {
			assert.Equal(t, RoleWorker, s.Role)
		}
	}
	assert.Equal(t, 1, controllers)
}

func TestClusterResolvesFirstTransaction(t *testing.T) {
	b, err := bus.NewInproc()
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results, err := b.Subscribe(ctx, topics.Result)
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	nodes := make(map[models.Identity]*Node)
	for i := 0; i < 3; i++ {
		nd := New(models.NewIdentity(), b, testOptions(3), zerolog.Nop())
		nodes[nd.ID()] = nd
		g.Go(func() error { return nd.Run(gctx) })
	}

	var first models.Result
	deadline := time.After(10 * time.Second)
	for first.TransactionID != "T1" {
		select {
		case m := <-results:
			require.NoError(t, bus.Decode(m.Payload, &first))
		case <-deadline:
			t.Fatal("no result for T1")
		}
	}

	winner, ok := nodes[first.ClientID]
	require.True(t, ok, "winner is a participant")
	assert.Equal(t, RoleWorker, winner.Role())
	assert.Equal(t, firstValidNonce("T1", 1), first.Nonce)
	assert.Equal(t, pow.Digest("T1", first.Nonce), first.Hash)

	// the controller moves on to T2 and never repeats T1
	seen := map[models.TransactionID]int{"T1": 1}
	for seen["T2"] == 0 {
		select {
		case m := <-results:
			var r models.Result
			require.NoError(t, bus.Decode(m.Payload, &r))
			seen[r.TransactionID]++
		case <-deadline:
			t.Fatal("no result for T2")
		}
	}
	assert.Equal(t, 1, seen["T1"])

	require.Eventually(t, func() bool {
		e := ledgerEntry(winner.Snapshot(), "T1")
		return e != nil && e.Status == models.TxResolved
	}, time.Second, 5*time.Millisecond)
	e := ledgerEntry(winner.Snapshot(), "T1")
	assert.Equal(t, first.ClientID, e.Winner)
	assert.Equal(t, 1, e.Difficulty)
	assert.GreaterOrEqual(t, winner.Snapshot().Wins, 1)

	cancel()
	require.NoError(t, g.Wait())
}

func ledgerEntry(s Snapshot, id models.TransactionID) *models.LedgerEntry {
	for i := range s.Ledger {
		if s.Ledger[i].TransactionID == id {
			return &s.Ledger[i]
		}
	}
	return nil
}

func TestSingleParticipantBecomesController(t *testing.T) {
	c := startCluster(t, 1, nil)
	c.waitOperational(t)

	s := c.nodes[0].Snapshot()
	assert.Equal(t, RoleController, s.Role)
	assert.Equal(t, s.ID, s.Leader)

	// nobody mines, so T1 stays open
	require.Eventually(t, func() bool {
		return c.nodes[0].Snapshot().Current == "T1"
	}, 2*time.Second, 5*time.Millisecond)
	e := ledgerEntry(c.nodes[0].Snapshot(), "T1")
	require.NotNil(t, e)
	assert.Equal(t, models.TxOpen, e.Status)
}

func TestNodeWaitsForAllParticipants(t *testing.T) {
	c := startCluster(t, 1, func(_ int, o *Options) { o.Participants = 2 })

	time.Sleep(100 * time.Millisecond)
	s := c.nodes[0].Snapshot()
	assert.Equal(t, PhaseDiscovery, s.Phase)
	assert.Equal(t, 1, s.Peers)
	assert.Equal(t, 2, s.Target)
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	c := startCluster(t, 2, nil)

	for _, topic := range topics.All() {
		require.NoError(t, c.bus.Publish(context.Background(), topic, []byte("{not json")))
	}
	require.NoError(t, bus.PublishJSON(context.Background(), c.bus, topics.Presence, models.Presence{}))
	c.waitOperational(t)
	assert.Equal(t, 2, c.nodes[0].Snapshot().Peers)
}

func TestObserverSeesPhasesInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		phases []Phase
	)
	observe := func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
	}
	c := startCluster(t, 2, func(i int, o *Options) {
		if i == 0 {
			o.Observer = observe
		}
	})
	c.waitOperational(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseDiscovery, PhaseElection, PhaseOperational}, phases)
}

func TestLedgerNeverReopensResolvedTransaction(t *testing.T) {
	nd := New("a", nil, testOptions(1), zerolog.Nop())

	nd.mu.Lock()
	nd.recordLocked(models.LedgerEntry{TransactionID: "T1", Difficulty: 2, Status: models.TxOpen})
	nd.recordLocked(models.LedgerEntry{TransactionID: "T1", Status: models.TxResolved, Winner: "b", Nonce: 7, Hash: "00ab"})
	nd.recordLocked(models.LedgerEntry{TransactionID: "T1", Difficulty: 2, Status: models.TxOpen})
	nd.mu.Unlock()

	e := ledgerEntry(nd.Snapshot(), "T1")
	require.NotNil(t, e)
	assert.Equal(t, models.TxResolved, e.Status)
	assert.Equal(t, models.Identity("b"), e.Winner)
	assert.Equal(t, uint64(7), e.Nonce)
	assert.Equal(t, 2, e.Difficulty)
}

func TestLedgerIsBounded(t *testing.T) {
	nd := New("a", nil, testOptions(1), zerolog.Nop())

	nd.mu.Lock()
	for i := uint64(1); i <= ledgerLimit+10; i++ {
		nd.recordLocked(models.LedgerEntry{TransactionID: models.TransactionIDFromSeq(i), Status: models.TxOpen})
	}
	nd.mu.Unlock()

	s := nd.Snapshot()
	require.Len(t, s.Ledger, ledgerLimit)
	assert.Equal(t, models.TransactionIDFromSeq(11), s.Ledger[0].TransactionID)
}

func TestSortSnapshots(t *testing.T) {
	s := []Snapshot{{ID: "c"}, {ID: "a"}, {ID: "b"}}
	SortSnapshots(s)
	assert.Equal(t, []models.Identity{"a", "b", "c"}, []models.Identity{s[0].ID, s[1].ID, s[2].ID})
}

func TestRunReportsClosedBus(t *testing.T) {
	b, err := bus.NewInproc()
	require.NoError(t, err)

	nd := New(models.NewIdentity(), b, testOptions(2), zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- nd.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, bus.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("node kept running on a closed bus")
	}
}
