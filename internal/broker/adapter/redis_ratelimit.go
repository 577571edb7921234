package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/observability"
	redisclient "github.com/aelexs/numberbroker/internal/redis"
)

// windowScript bumps a per-user action counter. The TTL is set only by the
// first hit, so the window runs from the user's first action in it and
// later hits never extend it.
const windowScript = `
local hits = redis.call('INCR', KEYS[1])
if hits == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return hits
`

// ActionLimit is the fixed window for one user action.
type ActionLimit struct {
	Max    int
	Window time.Duration

	// FailOpen admits the action when Redis cannot be reached. Polls fail
	// open so users who already paid are never stranded; actions that move
	// money fail closed.
	FailOpen bool
}

// RateLimiterConfig holds the dependencies for RateLimiter.
type RateLimiterConfig struct {
	Cmd    redisclient.Cmdable
	Limits map[string]ActionLimit // Keyed by app.RateAction*; others are unlimited
	Logger *slog.Logger
}

var _ app.RateLimiter = (*RateLimiter)(nil)

// RateLimiter enforces per-user fixed windows in Redis under
// "ratelimit:<action>:<user>".
type RateLimiter struct {
	cmd    redisclient.Cmdable
	limits map[string]ActionLimit
	logger *slog.Logger
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{cmd: cfg.Cmd, limits: cfg.Limits, logger: logger}
}

// Allow counts one action for user and reports whether it is still inside
// the action's window.
func (r *RateLimiter) Allow(ctx context.Context, action string, user domain.UserID) (bool, error) {
	lim, ok := r.limits[action]
	if !ok || lim.Max <= 0 {
		return true, nil
	}

	ctx, span := tracer.Start(ctx, "redis.ratelimit.allow")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
		attribute.String("action", action),
	)

	key := "ratelimit:" + action + ":" + user.String()
	hits, err := r.cmd.Eval(ctx, windowScript, []string{key}, int(lim.Window.Seconds())).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if lim.FailOpen {
			observability.WithTraceID(ctx, r.logger).WarnContext(ctx, "rate limit check failed, admitting action",
				slog.String("action", action),
				slog.String("error", err.Error()),
			)
			return true, nil
		}
		return false, fmt.Errorf("rate limit check %s: %w", action, err)
	}
	return hits <= int64(lim.Max), nil
}
