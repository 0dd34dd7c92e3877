// Package sim runs a whole group of participants inside one process over the
// in-process bus.
package sim

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/config"
	"consensus-mining/internal/models"
	"consensus-mining/internal/node"
)

// Simulation owns the shared bus and its nodes.
type Simulation struct {
	bus   *bus.Inproc
	nodes []*node.Node
	log   zerolog.Logger
}

// New creates n nodes sharing one inproc bus. opts.Participants is forced to n.
func New(n int, opts node.Options, log zerolog.Logger) (*Simulation, error) {
	if n < 1 {
		return nil, config.ErrInvalidParticipants
	}
	b, err := bus.NewInproc(bus.WithInprocLogger(log))
	if err != nil {
		return nil, err
	}
	opts.Participants = n

	s := &Simulation{bus: b, log: log.With().Str("component", "sim").Logger()}
	for i := 0; i < n; i++ {
		s.nodes = append(s.nodes, node.New(models.NewIdentity(), b, opts, log))
	}
	return s, nil
}

// Bus exposes the shared bus, for observers that want the raw traffic.
func (s *Simulation) Bus() bus.Bus {
	return s.bus
}

func (s *Simulation) Nodes() []*node.Node {
	return s.nodes
}

// Run drives every node until ctx is cancelled or one of them fails, then
// closes the bus.
func (s *Simulation) Run(ctx context.Context) error {
	s.log.Info().Int("participants", len(s.nodes)).Msg("simulation started")

	g, gctx := errgroup.WithContext(ctx)
	for _, nd := range s.nodes {
		g.Go(func() error { return nd.Run(gctx) })
	}

	var result error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.bus.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.log.Info().Msg("simulation stopped")
	return result
}

// Run is New followed by Simulation.Run.
func Run(ctx context.Context, cfg config.Config, opts node.Options, log zerolog.Logger) error {
	s, err := New(cfg.Participants, opts, log)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
