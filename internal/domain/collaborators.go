package domain

import "context"

// AuditLogger records sensitive operations. Implementations must never receive
// raw routing/account numbers or decrypted secrets; callers pass last-4 digits,
// event metadata and outcome only.
type AuditLogger interface {
	Log(ctx context.Context, eventType, subjectType string, subjectID any, fields map[string]any)
}

// RateLimiter is a fixed-window limiter keyed by bucket and subject.
type RateLimiter interface {
	Check(ctx context.Context, bucket, key string, limit int, windowSeconds int) (allowed bool, retryAfterSeconds int, err error)
}

// EventPublisher announces domain events to the application bus.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}
