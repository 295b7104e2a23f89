package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/geekshop/api/internal/domain"
)

const defaultPingTimeout = 1500 * time.Millisecond

// DependencyPing names one downstream dependency and the call that verifies
// it is reachable. A zero Timeout falls back to the repository default.
type DependencyPing struct {
	Name    string
	Timeout time.Duration
	Ping    func(context.Context) error
}

// PingHealthOption customises the ping-backed health repository.
type PingHealthOption func(*pingHealthRepository)

// WithPingTimeout overrides the default per-dependency timeout.
func WithPingTimeout(timeout time.Duration) PingHealthOption {
	return func(repo *pingHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

// WithPingClock injects a custom clock for tests.
func WithPingClock(clock func() time.Time) PingHealthOption {
	return func(repo *pingHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type pingHealthRepository struct {
	pings          []DependencyPing
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*pingHealthRepository)(nil)

// NewPingHealthRepository constructs a HealthRepository over the given
// dependency pings. The set is validated here, so Collect never has to deal
// with unnamed or nil entries.
func NewPingHealthRepository(pings []DependencyPing, opts ...PingHealthOption) (HealthRepository, error) {
	if len(pings) == 0 {
		return nil, errors.New("health repository: at least one dependency ping is required")
	}

	seen := make(map[string]struct{}, len(pings))
	for i, ping := range pings {
		name := strings.TrimSpace(ping.Name)
		if name == "" {
			return nil, fmt.Errorf("health repository: ping %d has no name", i)
		}
		if ping.Ping == nil {
			return nil, fmt.Errorf("health repository: dependency %s has no ping function", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health repository: duplicate dependency %s", name)
		}
		seen[name] = struct{}{}
	}

	repo := &pingHealthRepository{
		pings:          append([]DependencyPing(nil), pings...),
		defaultTimeout: defaultPingTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Collect pings every dependency in order. Two dependencies is the realistic
// ceiling for this service, so the sequential walk keeps the report ordering
// and latency attribution simple.
func (r *pingHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	checks := make(map[string]domain.SystemHealthCheck, len(r.pings))
	overall := domain.HealthStatusOK

	for _, ping := range r.pings {
		result := r.run(ctx, ping)
		checks[strings.TrimSpace(ping.Name)] = result
		overall = worseOf(overall, result.Status)
	}

	return domain.SystemHealthReport{
		Status:      overall,
		Checks:      checks,
		GeneratedAt: r.now(),
	}, nil
}

func (r *pingHealthRepository) run(ctx context.Context, ping DependencyPing) domain.SystemHealthCheck {
	timeout := ping.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := ping.Ping(pingCtx)
	end := r.now()

	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}

	switch {
	case err == nil && pingCtx.Err() == nil:
		// reachable
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(pingCtx.Err(), context.DeadlineExceeded):
		check.Status = domain.HealthStatusError
		check.Detail = "timeout"
		check.Error = context.DeadlineExceeded.Error()
	case errors.Is(err, context.Canceled) || errors.Is(pingCtx.Err(), context.Canceled):
		check.Status = domain.HealthStatusError
		check.Detail = "cancelled"
		check.Error = context.Canceled.Error()
	default:
		check.Status = domain.HealthStatusDegraded
		check.Detail = err.Error()
		check.Error = err.Error()
	}
	return check
}

func worseOf(a, b domain.HealthStatus) domain.HealthStatus {
	rank := func(s domain.HealthStatus) int {
		switch s {
		case domain.HealthStatusError:
			return 2
		case domain.HealthStatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
