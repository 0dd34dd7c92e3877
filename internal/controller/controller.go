// Package controller implements the elected leader: it issues proof-of-work
// challenges, validates solutions and announces one winner per transaction.
package controller

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/metrics"
	"consensus-mining/internal/models"
	"consensus-mining/internal/pow"
)

type transaction struct {
	difficulty int
	status     models.TxStatus
}

// Controller owns the transaction table of the leader. The OPEN to RESOLVED
// transition happens under mu, so only the first valid solution for a
// transaction produces a Result.
type Controller struct {
	self    models.Identity
	bus     bus.Bus
	topics  bus.Topics
	log     zerolog.Logger
	metrics *metrics.Collector

	difficulty func() int
	delay      time.Duration

	mu  sync.Mutex
	seq uint64
	txs map[models.TransactionID]*transaction

	next chan struct{}
}

type Option func(*Controller)

// WithDifficulty overrides how the difficulty of each new challenge is chosen.
func WithDifficulty(f func() int) Option {
	return func(c *Controller) { c.difficulty = f }
}

// WithDifficultyRange picks difficulties uniformly in [lo, hi].
func WithDifficultyRange(lo, hi int) Option {
	return WithDifficulty(func() int {
		if hi <= lo {
			return lo
		}
		return lo + rand.IntN(hi-lo+1)
	})
}

// WithChallengeDelay sets the pause before each new challenge.
func WithChallengeDelay(d time.Duration) Option {
	return func(c *Controller) { c.delay = d }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func New(self models.Identity, b bus.Bus, topics bus.Topics, log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		self:   self,
		bus:    b,
		topics: topics,
		log:    log.With().Str("component", "controller").Logger(),
		delay:  2 * time.Second,
		txs:    make(map[models.TransactionID]*transaction),
		next:   make(chan struct{}, 1),
	}
	WithDifficultyRange(1, 5)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run issues the first challenge and then a new one after every accepted
// solution, until ctx is cancelled. A challenge whose publish failed is
// re-published under the same TransactionID.
func (c *Controller) Run(ctx context.Context) error {
	var retry *models.Challenge
	c.schedule()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.next:
		}

		if !sleep(ctx, c.delay) {
			return nil
		}
		ch, err := c.issue(ctx, retry)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Str("tx", string(ch.TransactionID)).Msg("could not publish challenge, retrying")
			retry = &ch
			c.schedule()
			continue
		}
		retry = nil
	}
}

// issue re-publishes retry while it is still open, otherwise it starts the
// next transaction.
func (c *Controller) issue(ctx context.Context, retry *models.Challenge) (models.Challenge, error) {
	if retry != nil {
		if status, _, _ := c.Status(retry.TransactionID); status == models.TxOpen {
			return *retry, c.publishChallenge(ctx, *retry)
		}
	}
	return c.NextTransaction(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Controller) schedule() {
	select {
	case c.next <- struct{}{}:
	default:
	}
}

// NextTransaction allocates the next TransactionID, marks it open and
// publishes the challenge. On a publish error the transaction stays open and
// the returned challenge can be re-published.
func (c *Controller) NextTransaction(ctx context.Context) (models.Challenge, error) {
	d := c.difficulty()
	if d < 0 {
		d = 0
	}
	if d > pow.MaxDifficulty {
		d = pow.MaxDifficulty
	}

	c.mu.Lock()
	c.seq++
	ch := models.Challenge{TransactionID: models.TransactionIDFromSeq(c.seq), Difficulty: d}
	c.txs[ch.TransactionID] = &transaction{difficulty: d, status: models.TxOpen}
	c.mu.Unlock()

	c.metrics.TransactionIssued(string(c.self))
	return ch, c.publishChallenge(ctx, ch)
}

func (c *Controller) publishChallenge(ctx context.Context, ch models.Challenge) error {
	c.log.Info().Str("tx", string(ch.TransactionID)).Int("difficulty", ch.Difficulty).Msg("publishing challenge")
	return bus.PublishJSON(ctx, c.bus, c.topics.Challenge, ch)
}

// OnSolution validates a submitted solution. It returns true only for the
// solution that resolved the transaction. Invalid and stale solutions are
// dropped without any reply.
func (c *Controller) OnSolution(ctx context.Context, sol models.Solution) (bool, error) {
	c.mu.Lock()
	tx, ok := c.txs[sol.TransactionID]
	if !ok {
		c.mu.Unlock()
		c.drop(sol, metrics.OutcomeUnknown)
		return false, nil
	}
	if tx.status != models.TxOpen {
		c.mu.Unlock()
		c.drop(sol, metrics.OutcomeStale)
		return false, nil
	}
	hash, valid := pow.Verify(sol.TransactionID, sol.Nonce, tx.difficulty)
	if !valid {
		c.mu.Unlock()
		c.drop(sol, metrics.OutcomeInvalid)
		return false, nil
	}
	tx.status = models.TxResolved
	c.mu.Unlock()

	c.metrics.SolutionReceived(string(c.self), metrics.OutcomeAccepted)
	c.log.Info().
		Str("tx", string(sol.TransactionID)).
		Str("winner", sol.ClientID.Short()).
		Uint64("nonce", sol.Nonce).
		Str("hash", hash).
		Msg("valid solution, publishing result")

	res := models.Result{ClientID: sol.ClientID, TransactionID: sol.TransactionID, Nonce: sol.Nonce, Hash: hash}
	err := bus.PublishJSON(ctx, c.bus, c.topics.Result, res)
	c.schedule()
	return true, err
}

func (c *Controller) drop(sol models.Solution, outcome string) {
	c.metrics.SolutionReceived(string(c.self), outcome)
	c.log.Debug().
		Str("tx", string(sol.TransactionID)).
		Str("from", sol.ClientID.Short()).
		Uint64("nonce", sol.Nonce).
		Str("outcome", outcome).
		Msg("solution dropped")
}

// Status reports the state of a transaction, ok is false for unknown ids.
func (c *Controller) Status(id models.TransactionID) (status models.TxStatus, difficulty int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[id]
	if !ok {
		return "", 0, false
	}
	return tx.status, tx.difficulty, true
}
