// Package node drives one participant through discovery, election and the
// operational mining loop.
//
// There are no timeouts: a node that never sees N peers or N votes waits
// forever, and a crashed controller is never replaced.
package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/config"
	"consensus-mining/internal/controller"
	"consensus-mining/internal/election"
	"consensus-mining/internal/metrics"
	"consensus-mining/internal/miner"
	"consensus-mining/internal/models"
)

// ledgerLimit bounds the transactions kept for snapshots.
const ledgerLimit = 64

type Phase int

const (
	PhaseDiscovery Phase = iota
	PhaseElection
	PhaseOperational
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovery:
		return "DISCOVERY"
	case PhaseElection:
		return "ELECTION"
	case PhaseOperational:
		return "OPERATIONAL"
	default:
		return "UNKNOWN"
	}
}

type Role int

const (
	RoleUndecided Role = iota
	RoleController
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "CONTROLLER"
	case RoleWorker:
		return "WORKER"
	default:
		return "-"
	}
}

// Options tunes a node. Unset fields other than ChallengeDelay and YieldEvery
// fall back to config.Default.
type Options struct {
	Participants     int
	Topics           bus.Topics
	AnnounceInterval time.Duration
	ChallengeDelay   time.Duration
	YieldEvery       uint64
	DifficultyMin    int
	DifficultyMax    int
	// Difficulty overrides the random range when set.
	Difficulty func() int
	Metrics    *metrics.Collector
	// Observer receives a snapshot after every state change. It runs on the
	// message loop and must not block.
	Observer func(Snapshot)
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Participants:     cfg.Participants,
		Topics:           bus.NewTopics(cfg.TopicPrefix),
		AnnounceInterval: cfg.AnnounceInterval,
		ChallengeDelay:   cfg.ChallengeDelay,
		YieldEvery:       cfg.YieldEvery,
		DifficultyMin:    cfg.DifficultyMin,
		DifficultyMax:    cfg.DifficultyMax,
	}
}

// Snapshot is a point-in-time copy of a node's state.
type Snapshot struct {
	ID      models.Identity
	Phase   Phase
	Role    Role
	Leader  models.Identity
	Peers   int
	Votes   int
	Target  int
	Current models.TransactionID // open transaction, if any
	Wins    int
	Ledger  []models.LedgerEntry // oldest first
}

// Node is one participant. All protocol messages are handled on a single
// goroutine; only the search task of a worker runs concurrently.
type Node struct {
	id   models.Identity
	opts Options
	bus  bus.Bus
	log  zerolog.Logger

	election   *election.Engine
	controller *controller.Controller
	worker     *miner.Worker

	mu      sync.RWMutex
	phase   Phase
	role    Role
	leader  models.Identity
	peers   map[models.Identity]struct{}
	ledger  map[models.TransactionID]*models.LedgerEntry
	order   []models.TransactionID
	current models.TransactionID
	wins    int
	pending *models.Challenge // challenge seen before becoming operational
}

func New(id models.Identity, b bus.Bus, opts Options, log zerolog.Logger) *Node {
	def := config.Default()
	if opts.Participants < 1 {
		opts.Participants = def.Participants
	}
	if opts.Topics == (bus.Topics{}) {
		opts.Topics = bus.NewTopics(def.TopicPrefix)
	}
	if opts.AnnounceInterval <= 0 {
		opts.AnnounceInterval = def.AnnounceInterval
	}
	if opts.DifficultyMax == 0 && opts.DifficultyMin == 0 && opts.Difficulty == nil {
		opts.DifficultyMin, opts.DifficultyMax = def.DifficultyMin, def.DifficultyMax
	}

	log = log.With().Str("node", id.Short()).Logger()
	return &Node{
		id:       id,
		opts:     opts,
		bus:      b,
		log:      log,
		election: election.NewEngine(id, opts.Participants, b, opts.Topics.Voting, log),
		peers:    map[models.Identity]struct{}{id: {}},
		ledger:   make(map[models.TransactionID]*models.LedgerEntry),
	}
}

func (n *Node) ID() models.Identity {
	return n.id
}

// Run subscribes to every topic, announces the node and processes messages
// until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	msgs, err := n.bus.Subscribe(ctx, n.opts.Topics.All()...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.loop(gctx, g, msgs)
	})
	err = g.Wait()
	if n.worker != nil {
		n.worker.Stop()
	}
	return err
}

func (n *Node) loop(ctx context.Context, g *errgroup.Group, msgs <-chan bus.Message) error {
	n.log.Info().Int("target", n.opts.Participants).Msg("discovery started")
	n.setPhase(PhaseDiscovery)
	n.announce(ctx)
	n.maybeStartElection(ctx, g)

	ticker := time.NewTicker(n.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return bus.ErrClosed
			}
			n.handle(ctx, g, m)
		case <-ticker.C:
			n.reannounce(ctx)
		}
	}
}

func (n *Node) handle(ctx context.Context, g *errgroup.Group, m bus.Message) {
	t := n.opts.Topics
	switch m.Topic {
	case t.Presence:
		var p models.Presence
		if n.decode(m, &p) {
			n.onPresence(ctx, g, p)
		}
	case t.Voting:
		var v models.Vote
		if n.decode(m, &v) {
			n.onVote(ctx, g, v)
		}
	case t.Challenge:
		var c models.Challenge
		if n.decode(m, &c) {
			n.onChallenge(ctx, c)
		}
	case t.Solution:
		var s models.Solution
		if n.decode(m, &s) && n.Role() == RoleController {
			if _, err := n.controller.OnSolution(ctx, s); err != nil && ctx.Err() == nil {
				n.log.Error().Err(err).Msg("could not publish result")
			}
		}
	case t.Result:
		var r models.Result
		if n.decode(m, &r) {
			n.onResult(r)
		}
	}
	n.notify()
}

func (n *Node) decode(m bus.Message, v interface{}) bool {
	if err := bus.Decode(m.Payload, v); err != nil {
		n.log.Debug().Err(err).Str("topic", m.Topic).Msg("dropping malformed message")
		return false
	}
	return true
}

func (n *Node) announce(ctx context.Context) {
	if err := bus.PublishJSON(ctx, n.bus, n.opts.Topics.Presence, models.Presence{ClientID: n.id}); err != nil && ctx.Err() == nil {
		n.log.Warn().Err(err).Msg("presence announcement failed")
	}
}

func (n *Node) reannounce(ctx context.Context) {
	switch n.Phase() {
	case PhaseDiscovery:
		n.mu.RLock()
		seen := len(n.peers)
		n.mu.RUnlock()
		n.log.Debug().Int("peers", seen).Int("target", n.opts.Participants).Msg("waiting for peers")
		n.announce(ctx)
	case PhaseElection:
		if err := n.election.CastVote(ctx); err != nil && ctx.Err() == nil {
			n.log.Warn().Err(err).Msg("vote announcement failed")
		}
	}
}

func (n *Node) onPresence(ctx context.Context, g *errgroup.Group, p models.Presence) {
	if p.ClientID == "" || n.Phase() != PhaseDiscovery {
		return
	}
	n.mu.Lock()
	_, known := n.peers[p.ClientID]
	n.peers[p.ClientID] = struct{}{}
	seen := len(n.peers)
	n.mu.Unlock()
	if !known {
		n.log.Info().Str("peer", p.ClientID.Short()).Int("peers", seen).Int("target", n.opts.Participants).Msg("participant discovered")
	}
	n.maybeStartElection(ctx, g)
}

func (n *Node) maybeStartElection(ctx context.Context, g *errgroup.Group) {
	n.mu.Lock()
	if n.phase != PhaseDiscovery || len(n.peers) < n.opts.Participants {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	// one more announcement for peers that subscribed after our last one
	n.announce(ctx)
	n.setPhase(PhaseElection)
	n.log.Info().Msg("discovery complete, election started")

	if err := n.election.CastVote(ctx); err != nil && ctx.Err() == nil {
		n.log.Warn().Err(err).Msg("vote announcement failed")
	}
	n.maybeFinishElection(ctx, g)
}

func (n *Node) onVote(ctx context.Context, g *errgroup.Group, v models.Vote) {
	// votes are kept even before our own election starts so fast peers are not lost
	n.election.Record(v)
	if n.Phase() == PhaseElection {
		n.maybeFinishElection(ctx, g)
	}
}

func (n *Node) maybeFinishElection(ctx context.Context, g *errgroup.Group) {
	leader, ok := n.election.Outcome()
	if !ok {
		return
	}

	role := RoleWorker
	if leader == n.id {
		role = RoleController
	}

	n.mu.Lock()
	n.leader = leader
	n.role = role
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	n.setPhase(PhaseOperational)
	n.log.Info().Str("leader", leader.Short()).Str("role", role.String()).Msg("election finished")

	switch role {
	case RoleController:
		opts := []controller.Option{
			controller.WithChallengeDelay(n.opts.ChallengeDelay),
			controller.WithMetrics(n.opts.Metrics),
			controller.WithDifficultyRange(n.opts.DifficultyMin, n.opts.DifficultyMax),
		}
		if n.opts.Difficulty != nil {
			opts = append(opts, controller.WithDifficulty(n.opts.Difficulty))
		}
		n.controller = controller.New(n.id, n.bus, n.opts.Topics, n.log, opts...)
		g.Go(func() error { return n.controller.Run(ctx) })
	case RoleWorker:
		n.worker = miner.NewWorker(n.id, n.bus, n.opts.Topics.Solution, n.opts.YieldEvery, n.opts.Metrics, n.log)
		if pending != nil && !n.isResolved(pending.TransactionID) {
			n.worker.OnChallenge(ctx, *pending)
		}
	}
}

func (n *Node) onChallenge(ctx context.Context, c models.Challenge) {
	n.mu.Lock()
	n.recordLocked(models.LedgerEntry{TransactionID: c.TransactionID, Difficulty: c.Difficulty, Status: models.TxOpen})
	if n.ledger[c.TransactionID].Status == models.TxOpen {
		n.current = c.TransactionID
	}
	phase, role := n.phase, n.role
	if phase != PhaseOperational {
		n.pending = &c
	}
	n.mu.Unlock()

	if phase == PhaseOperational && role == RoleWorker {
		n.worker.OnChallenge(ctx, c)
	}
}

func (n *Node) onResult(r models.Result) {
	n.mu.Lock()
	n.recordLocked(models.LedgerEntry{
		TransactionID: r.TransactionID,
		Status:        models.TxResolved,
		Winner:        r.ClientID,
		Nonce:         r.Nonce,
		Hash:          r.Hash,
	})
	if n.current == r.TransactionID {
		n.current = ""
	}
	if n.pending != nil && n.pending.TransactionID == r.TransactionID {
		n.pending = nil
	}
	if r.ClientID == n.id {
		n.wins++
	}
	role := n.role
	n.mu.Unlock()

	n.opts.Metrics.ResultObserved(string(n.id))
	n.log.Info().Str("tx", string(r.TransactionID)).Str("winner", r.ClientID.Short()).Msg("transaction finished")
	if role == RoleWorker {
		n.worker.OnResult(r)
	}
}

// recordLocked merges e into the ledger; a resolved entry is never reopened.
func (n *Node) recordLocked(e models.LedgerEntry) {
	cur, ok := n.ledger[e.TransactionID]
	if !ok {
		entry := e
		n.ledger[e.TransactionID] = &entry
		n.order = append(n.order, e.TransactionID)
		if len(n.order) > ledgerLimit {
			delete(n.ledger, n.order[0])
			n.order = n.order[1:]
		}
		return
	}
	if e.Difficulty > 0 {
		cur.Difficulty = e.Difficulty
	}
	if e.Status == models.TxResolved {
		cur.Status = models.TxResolved
		cur.Winner, cur.Nonce, cur.Hash = e.Winner, e.Nonce, e.Hash
	}
}

func (n *Node) isResolved(id models.TransactionID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.ledger[id]
	return ok && e.Status == models.TxResolved
}

func (n *Node) setPhase(p Phase) {
	n.mu.Lock()
	n.phase = p
	n.mu.Unlock()
	n.opts.Metrics.Phase(string(n.id), int(p))
	n.notify()
}

func (n *Node) notify() {
	if n.opts.Observer != nil {
		n.opts.Observer(n.Snapshot())
	}
}

func (n *Node) Phase() Phase {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.phase
}

func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

func (n *Node) Snapshot() Snapshot {
	votes := len(n.election.Votes())

	n.mu.RLock()
	defer n.mu.RUnlock()
	s := Snapshot{
		ID:      n.id,
		Phase:   n.phase,
		Role:    n.role,
		Leader:  n.leader,
		Peers:   len(n.peers),
		Votes:   votes,
		Target:  n.opts.Participants,
		Current: n.current,
		Wins:    n.wins,
		Ledger:  make([]models.LedgerEntry, 0, len(n.order)),
	}
	for _, id := range n.order {
		s.Ledger = append(s.Ledger, *n.ledger[id])
	}
	return s
}

// SortSnapshots orders snapshots by identity for stable display.
func SortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
