package gateway

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// Simulator stands in for a carrier in development. Failures are reported as
// retryable so the retry path gets exercised.
type Simulator struct {
	SuccessRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulator(successRate float64, seed int64) *Simulator {
	return &Simulator{SuccessRate: successRate, rnd: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return Result{Error: err.Error(), Retryable: true}
	}
	s.mu.Lock()
	roll := s.rnd.Float64()
	s.mu.Unlock()

	if roll < s.SuccessRate {
		return Result{Success: true, MessageID: "sim-" + uuid.NewString()}
	}
	return Result{Error: "temporary send error", Retryable: true}
}
