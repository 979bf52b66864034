// Package simulation provides the driver pieces of a federated-learning
// simulation: sampling which clients participate in each round, and running a
// fixed number of rounds while collecting per-round statistics.
package simulation

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/aliceyiwang/federated/clientdata"
)

// Sampler draws participating clients for each round, uniformly and without
// replacement, from the population of a ClientData. A fixed seed makes the
// sequence of draws deterministic.
type Sampler struct {
	ids []string
	rng *rand.Rand
}

// NewSampler creates a Sampler over the clients of cd.
func NewSampler(cd clientdata.ClientData, seed int64) *Sampler {
	return &Sampler{
		ids: cd.ClientIDs(),
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Sample returns n distinct client IDs drawn uniformly from the population.
func (s *Sampler) Sample(n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.Errorf("sample size must be positive, got %d", n)
	}
	if n > len(s.ids) {
		return nil, errors.Errorf("sample size %d exceeds population of %d clients", n, len(s.ids))
	}
	perm := s.rng.Perm(len(s.ids))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = s.ids[perm[i]]
	}
	return out, nil
}

// RoundFunc executes one federated round over the sampled clients and
// returns the round's training loss.
type RoundFunc func(round int, clientIDs []string) (loss float64, err error)

// RoundStats records one completed round.
type RoundStats struct {
	Round     int
	ClientIDs []string
	Loss      float64
}

// Runner executes a fixed number of federated rounds, sampling participants
// for each round and delegating the training itself to a RoundFunc.
type Runner struct {
	Sampler *Sampler

	// ClientsPerRound is how many clients participate in each round.
	ClientsPerRound int

	// Rounds is the total number of rounds to run.
	Rounds int
}

// Run executes the configured rounds and returns per-round statistics. The
// first error from sampling or training aborts the run.
func (r *Runner) Run(fn RoundFunc) ([]RoundStats, error) {
	if fn == nil {
		return nil, errors.New("round function must not be nil")
	}
	if r.Rounds <= 0 {
		return nil, errors.Errorf("rounds must be positive, got %d", r.Rounds)
	}

	stats := make([]RoundStats, 0, r.Rounds)
	for round := 0; round < r.Rounds; round++ {
		ids, err := r.Sampler.Sample(r.ClientsPerRound)
		if err != nil {
			return stats, err
		}
		loss, err := fn(round, ids)
		if err != nil {
			return stats, errors.Wrapf(err, "round %d", round)
		}
		stats = append(stats, RoundStats{Round: round, ClientIDs: ids, Loss: loss})
	}
	return stats, nil
}
