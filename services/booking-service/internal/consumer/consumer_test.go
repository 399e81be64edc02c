package consumer

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeInbox struct {
	seen map[string]bool
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{seen: map[string]bool{}}
}

func (f *fakeInbox) Seen(_ context.Context, eventID string) (bool, error) {
	return f.seen[eventID], nil
}

func (f *fakeInbox) Record(_ context.Context, eventID, _ string) (bool, error) {
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

func paymentMessage(eventID string) kafka.Message {
	return kafka.Message{
		Topic: "payments.payment.succeeded.v1",
		Value: []byte(`{}`),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(eventID)},
			{Key: "event_type", Value: []byte("payments.payment.succeeded.v1")},
		},
	}
}

func TestProcess_FailedHandlerLeavesEventRetriable(t *testing.T) {
	ib := newFakeInbox()
	calls := 0
	c := &Consumer{
		logger: slog.Default(),
		inbox:  ib,
		handler: func(context.Context, kafka.Message) error {
			calls++
			if calls == 1 {
				return errors.New("db blip")
			}
			return nil
		},
	}

	msg := paymentMessage("evt-1")
	ctx := context.Background()

	// First delivery fails inside the handler; no inbox row may exist or the
	// redelivery would be dropped as a duplicate.
	c.process(ctx, msg)
	if ib.seen["evt-1"] {
		t.Fatal("failed delivery must not be recorded in the inbox")
	}

	// The redelivery succeeds and is recorded.
	c.process(ctx, msg)
	if calls != 2 {
		t.Fatalf("expected handler to run on the redelivery, calls=%d", calls)
	}
	if !ib.seen["evt-1"] {
		t.Fatal("successful delivery should be recorded in the inbox")
	}

	// A third delivery is a duplicate and never reaches the handler.
	c.process(ctx, msg)
	if calls != 2 {
		t.Fatalf("duplicate delivery reached the handler, calls=%d", calls)
	}
}

func TestProcess_DuplicateSkipsHandler(t *testing.T) {
	ib := newFakeInbox()
	ib.seen["evt-2"] = true
	calls := 0
	c := &Consumer{
		logger: slog.Default(),
		inbox:  ib,
		handler: func(context.Context, kafka.Message) error {
			calls++
			return nil
		},
	}

	c.process(context.Background(), paymentMessage("evt-2"))
	if calls != 0 {
		t.Fatalf("already-seen event reached the handler, calls=%d", calls)
	}
}
