package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/domain"
	redisclient "github.com/aelexs/numberbroker/internal/redis"
)

// seenUpdatePrefix is the key prefix for processed webhook update IDs.
const seenUpdatePrefix = "seen_update:"

var _ app.Deduper = (*UpdateDeduper)(nil)

// UpdateDeduper records processed webhook update IDs in Redis so a
// redelivered update is dispatched once.
type UpdateDeduper struct {
	cmd redisclient.Cmdable
	ttl time.Duration
}

// NewUpdateDeduper creates an UpdateDeduper. A non-positive ttl uses
// domain.ActionDedupTTL.
func NewUpdateDeduper(cmd redisclient.Cmdable, ttl time.Duration) *UpdateDeduper {
	if ttl <= 0 {
		ttl = domain.ActionDedupTTL
	}
	return &UpdateDeduper{cmd: cmd, ttl: ttl}
}

// FirstSeen records id and reports whether this is its first delivery. On
// Redis failure it returns (false, err) so the update is not processed
// twice behind an outage.
func (s *UpdateDeduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.dedup.first_seen")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "SETNX"),
	)

	if id == "" {
		return false, fmt.Errorf("dedup: update id: %w", domain.ErrInvalidInput)
	}

	stored, err := s.cmd.SetNX(ctx, seenUpdatePrefix+id, "1", s.ttl).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("dedup update %q: %w", id, err)
	}

	return stored, nil
}
