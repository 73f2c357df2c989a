/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package aws

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CodeCircuitOpen is surfaced when the breaker rejects a call without
// dispatching it. Classified as throttling so the request lifecycle backs off
// and retries instead of failing the request outright.
const CodeCircuitOpen = "CIRCUIT_OPEN"

// CircuitBreaker guards critical AWS mutations (create/terminate/modify).
// Consecutive failures open the circuit; while open every call fails fast.
// After the recovery period a single probe is let through; its outcome closes
// or re-opens the circuit.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	recovery  time.Duration
	openedAt  time.Time

	log *zap.Logger
	// clock is swappable for tests
	clock func() time.Time
}

func NewCircuitBreaker(log *zap.Logger, threshold int, recovery time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		recovery:  recovery,
		log:       log.Named("circuit-breaker"),
		clock:     time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns a throttling
// error carrying the remaining recovery time; the open→half-open transition
// happens here once the recovery period elapses.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	default:
		if b.clock().Sub(b.openedAt) >= b.recovery {
			b.state = BreakerHalfOpen
			b.log.Info("circuit half-open, allowing probe call")
			return nil
		}
		remaining := b.recovery - b.clock().Sub(b.openedAt)
		return errors.New(errors.KindThrottling, CodeCircuitOpen, "circuit breaker open, rejecting call").
			WithDetail("retry_after", remaining.String())
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.log.Info("circuit closed after successful call")
	}
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure counts a failure; at the threshold (or on a failed half-open
// probe) the circuit opens.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.clock()
		b.log.Warn("circuit opened",
			zap.Int("consecutive_failures", b.failures),
			zap.Duration("recovery_timeout", b.recovery))
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// WithClock overrides the breaker's time source. Tests only.
func (b *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	b.clock = clock
	return b
}
