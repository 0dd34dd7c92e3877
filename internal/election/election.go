// Package election picks a single coordinator from a complete set of votes.
//
// Every participant publishes one random VoteID. Once a node holds exactly N
// distinct votes it applies Resolve, a pure function, so all nodes holding the
// same set agree on the leader without another round of messages.
//
// VoteIDs are uniform over 2^64. Two nodes drawing the same value is unlikely
// but possible; the identity tie-break keeps the outcome deterministic in that
// case. There is no failure detection: if the leader disappears nobody
// re-elects.
package election

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/models"
)

// Resolve returns the identity with the largest VoteID, ties broken by the
// largest identity. An empty map yields the empty identity.
func Resolve(votes map[models.Identity]uint64) models.Identity {
	var (
		leader models.Identity
		best   uint64
		found  bool
	)
	for id, v := range votes {
		if !found || v > best || (v == best && id > leader) {
			leader, best, found = id, v, true
		}
	}
	return leader
}

// Engine runs one election round for a node.
type Engine struct {
	self   models.Identity
	target int
	topic  string
	bus    bus.Bus
	log    zerolog.Logger

	mu      sync.Mutex
	voteID  uint64
	cast    bool
	votes   map[models.Identity]uint64
	outcome models.Identity
}

func NewEngine(self models.Identity, target int, b bus.Bus, topic string, log zerolog.Logger) *Engine {
	return &Engine{
		self:   self,
		target: target,
		topic:  topic,
		bus:    b,
		log:    log.With().Str("component", "election").Logger(),
		votes:  make(map[models.Identity]uint64, target),
	}
}

// CastVote draws this node's VoteID on first call and publishes it. Later calls
// re-publish the same vote.
func (e *Engine) CastVote(ctx context.Context) error {
	e.mu.Lock()
	if !e.cast {
		e.voteID = rand.Uint64()
		e.cast = true
		e.recordLocked(e.self, e.voteID)
		e.log.Info().Uint64("vote_id", e.voteID).Msg("vote cast")
	}
	vote := models.Vote{ClientID: e.self, VoteID: e.voteID}
	e.mu.Unlock()

	return bus.PublishJSON(ctx, e.bus, e.topic, vote)
}

// Record stores a vote seen on the bus. The first VoteID per identity wins and
// identities beyond the target count are ignored. It returns true once the
// vote set is complete.
func (e *Engine) Record(v models.Vote) bool {
	if v.ClientID == "" {
		return e.Complete()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recordLocked(v.ClientID, v.VoteID) {
		e.log.Debug().Str("from", v.ClientID.Short()).Int("votes", len(e.votes)).Int("target", e.target).Msg("vote recorded")
	}
	return len(e.votes) >= e.target
}

func (e *Engine) recordLocked(id models.Identity, voteID uint64) bool {
	if _, ok := e.votes[id]; ok {
		return false
	}
	limit := e.target
	if !e.cast && id != e.self {
		// keep a slot for our own vote
		limit--
	}
	if len(e.votes) >= limit {
		return false
	}
	e.votes[id] = voteID
	return true
}

// Complete reports whether N distinct votes are present.
func (e *Engine) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.votes) >= e.target
}

// Outcome resolves the leader once the vote set is complete. ok is false while
// votes are missing.
func (e *Engine) Outcome() (leader models.Identity, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.votes) < e.target {
		return "", false
	}
	if e.outcome == "" {
		e.outcome = Resolve(e.votes)
	}
	return e.outcome, true
}

// Votes returns a copy of the collected votes.
func (e *Engine) Votes() map[models.Identity]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[models.Identity]uint64, len(e.votes))
	for id, v := range e.votes {
		out[id] = v
	}
	return out
}
