package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/transfa/ach-service/internal/domain"
)

type recordingPublisher struct {
	exchange string
	keys     []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.exchange = exchange
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func TestBus_DispatchesToTypeAndWildcard(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Date(2026, time.October, 17, 8, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	var got []string
	bus.Subscribe(domain.EventBatchUploaded, func(ctx context.Context, e domain.Event) error {
		got = append(got, "typed:"+e.SubjectID)
		if !e.OccurredAt.Equal(fixed) {
			t.Fatalf("expected OccurredAt to be stamped, got %v", e.OccurredAt)
		}
		return errors.New("handler failure is logged, not propagated")
	})
	bus.Subscribe(Wildcard, func(ctx context.Context, e domain.Event) error {
		got = append(got, "all:"+e.Type)
		return nil
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventBatchUploaded, SubjectID: "b1"})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventItemReturned, SubjectID: "i1"})

	want := []string{"typed:b1", "all:" + domain.EventBatchUploaded, "all:" + domain.EventItemReturned}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestForwarder_UsesEventTypeAsRoutingKey(t *testing.T) {
	pub := &recordingPublisher{}
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus.Subscribe(Wildcard, Forwarder(pub, "ach.events"))

	bus.Publish(context.Background(), domain.Event{Type: domain.EventVerificationSubmitted, SubjectID: "1001"})

	if pub.exchange != "ach.events" || len(pub.keys) != 1 || pub.keys[0] != domain.EventVerificationSubmitted {
		t.Fatalf("unexpected forward exchange=%q keys=%v", pub.exchange, pub.keys)
	}
}
