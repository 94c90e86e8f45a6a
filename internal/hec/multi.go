package hec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/scottbrown/hecbridge/internal/circuitbreaker"
	"github.com/scottbrown/hecbridge/internal/config"
)

// Multi delivers batches to several collectors according to a routing mode:
//   - all: every target receives every batch
//   - primary-failover: targets are tried in order until one accepts
//   - round-robin: each batch goes to the next target in turn
type Multi struct {
	targets   []*Client
	mode      config.RoutingMode
	rrCounter atomic.Uint64
}

// ConfigFromTarget converts a configured target into client settings.
func ConfigFromTarget(t config.HECTarget) Config {
	cfg := Config{
		Name:           t.Name,
		URL:            t.URL,
		Token:          t.Token,
		UseGzip:        true,
		ConnectTimeout: t.ConnectTimeout,
		ReadTimeout:    t.ReadTimeout,
		CAFile:         t.CAFile,
	}
	if t.Gzip != nil {
		cfg.UseGzip = *t.Gzip
	}
	if t.ValidateCerts != nil {
		cfg.InsecureSkipVerify = !*t.ValidateCerts
	}

	cb := circuitbreaker.DefaultConfig()
	if t.CircuitBreaker != nil {
		if t.CircuitBreaker.Enabled != nil && !*t.CircuitBreaker.Enabled {
			cb.FailureThreshold = 0
		} else if t.CircuitBreaker.FailureThreshold > 0 {
			cb.FailureThreshold = t.CircuitBreaker.FailureThreshold
		}
		if t.CircuitBreaker.SuccessThreshold > 0 {
			cb.SuccessThreshold = t.CircuitBreaker.SuccessThreshold
		}
		if t.CircuitBreaker.Timeout > 0 {
			cb.Timeout = t.CircuitBreaker.Timeout
		}
		if t.CircuitBreaker.HalfOpenMaxCalls > 0 {
			cb.HalfOpenMaxCalls = t.CircuitBreaker.HalfOpenMaxCalls
		}
	}
	cfg.CircuitBreaker = cb
	return cfg
}

// NewMulti creates a client per target.
func NewMulti(targets []config.HECTarget, mode config.RoutingMode) (*Multi, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one collector target is required")
	}
	if mode == "" {
		mode = config.RoutingModeAll
	}

	clients := make([]*Client, 0, len(targets))
	for _, t := range targets {
		c, err := New(ConfigFromTarget(t))
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t.Name, err)
		}
		clients = append(clients, c)
	}

	return &Multi{targets: clients, mode: mode}, nil
}

// Send delivers body according to the routing mode.
func (m *Multi) Send(ctx context.Context, body []byte) error {
	switch m.mode {
	case config.RoutingModeAll:
		return m.sendAll(ctx, body)
	case config.RoutingModePrimaryFailover:
		return m.sendPrimaryFailover(ctx, body)
	case config.RoutingModeRoundRobin:
		return m.sendRoundRobin(ctx, body)
	default:
		return fmt.Errorf("unknown routing mode: %s", m.mode)
	}
}

// sendAll succeeds only when every target accepts. A retry resends to all
// targets, so targets that already accepted see the batch again.
func (m *Multi) sendAll(ctx context.Context, body []byte) error {
	var wg sync.WaitGroup
	errs := make([]error, len(m.targets))

	for i, target := range m.targets {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			if err := c.Send(ctx, body); err != nil {
				slog.Warn("collector delivery failed", "target", c.Name(), "error", err)
				errs[i] = fmt.Errorf("target %s: %w", c.Name(), err)
			}
		}(i, target)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// sendPrimaryFailover tries targets in order until one accepts. The batch is
// fatal only when every target tried failed fatally.
func (m *Multi) sendPrimaryFailover(ctx context.Context, body []byte) error {
	var errs []error
	for i, target := range m.targets {
		err := target.Send(ctx, body)
		if err == nil {
			if i > 0 {
				slog.Info("failover delivery succeeded", "target", target.Name(), "attempt", i+1)
			}
			return nil
		}

		slog.Warn("collector delivery failed, trying next target",
			"target", target.Name(),
			"error", err,
			"remaining", len(m.targets)-i-1)
		errs = append(errs, fmt.Errorf("target %s: %w", target.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}
	return joinFailover(errs)
}

// joinFailover combines per-target errors. When any of them is retriable the
// fatal ones are kept as text only, so the result classifies as retriable.
func joinFailover(errs []error) error {
	var retriable, fatal []error
	for _, err := range errs {
		if IsRetriable(err) {
			retriable = append(retriable, err)
		} else {
			fatal = append(fatal, err)
		}
	}
	if len(retriable) == 0 || len(fatal) == 0 {
		return errors.Join(errs...)
	}
	return fmt.Errorf("%w\n%s", errors.Join(retriable...), errors.Join(fatal...).Error())
}

func (m *Multi) sendRoundRobin(ctx context.Context, body []byte) error {
	n := uint64(len(m.targets))
	// #nosec G115 -- the modulo keeps the index below len(m.targets).
	idx := int((m.rrCounter.Add(1) - 1) % n)
	target := m.targets[idx]

	if err := target.Send(ctx, body); err != nil {
		slog.Warn("collector delivery failed in round-robin", "target", target.Name(), "error", err)
		return fmt.Errorf("target %s: %w", target.Name(), err)
	}
	return nil
}

// HealthCheck checks every target.
func (m *Multi) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, target := range m.targets {
		if err := target.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", target.Name(), err))
		}
	}
	return errors.Join(errs...)
}
