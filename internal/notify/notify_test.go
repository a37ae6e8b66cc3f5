package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/notify"
)

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	deadline      bool
	err           error
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	_, f.deadline = ctx.Deadline()
	return f.err
}

func sampleEvent() notify.Event {
	return notify.Event{
		Kind:          notify.KindCandidateStatusChanged,
		ScoreRecordID: 11,
		NewStatus:     models.StatusAccepted,
		OpportunityID: 4,
		ResumeOwnerID: 9,
		OccurredAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAMQPDispatcher_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	d := notify.NewAMQPDispatcher(pub, "candidate_status", nil)

	if err := d.Dispatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if pub.exchange != "" || pub.key != "candidate_status" {
		t.Fatalf("unexpected routing exchange=%q key=%q", pub.exchange, pub.key)
	}
	if !pub.deadline {
		t.Fatalf("expected publish to run under a deadline")
	}
	if pub.msg.ContentType != "application/json" || pub.msg.DeliveryMode != amqp.Persistent || pub.msg.MessageId == "" {
		t.Fatalf("unexpected message properties %+v", pub.msg)
	}

	var got notify.Event
	if err := json.Unmarshal(pub.msg.Body, &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got.ScoreRecordID != 11 || got.NewStatus != models.StatusAccepted || got.ResumeOwnerID != 9 {
		t.Fatalf("unexpected event body %+v", got)
	}
}

func TestAMQPDispatcher_PublishError(t *testing.T) {
	boom := errors.New("channel closed")
	d := notify.NewAMQPDispatcher(&fakePublisher{err: boom}, "q", nil)
	if err := d.Dispatch(context.Background(), sampleEvent()); !errors.Is(err, boom) {
		t.Fatalf("expected publish error got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close without connection should be a no-op: %v", err)
	}
}

func TestDialAMQP_BadURL(t *testing.T) {
	if _, err := notify.DialAMQP("not-a-url", "q", nil); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := notify.NewLogDispatcher(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := d.Dispatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if !strings.Contains(buf.String(), `"new_status":"accepted"`) {
		t.Fatalf("expected logged event, got %s", buf.String())
	}
}
