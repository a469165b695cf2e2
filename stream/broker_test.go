package stream_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/stream"
)

func newBroker(opts ...stream.BrokerOption) *stream.Broker {
	return stream.NewBroker(slog.New(slog.DiscardHandler), opts...)
}

func receive(t *testing.T, sub *stream.Subscriber) *event.Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNothing(t *testing.T, sub *stream.Subscriber) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected event %s for %s", evt.Kind, evt.OrgID)
	default:
	}
}

func TestBroker_OrganizationIsolation(t *testing.T) {
	t.Parallel()
	b := newBroker()

	subA, err := b.Subscribe("a", "org_a")
	if err != nil {
		t.Fatal(err)
	}
	subB, err := b.Subscribe("b", "org_b")
	if err != nil {
		t.Fatal(err)
	}

	b.Publish(context.Background(), event.New(event.InstanceCreated, "org_a"))

	if got := receive(t, subA); got.Kind != event.InstanceCreated {
		t.Errorf("Kind = %q, want %q", got.Kind, event.InstanceCreated)
	}
	expectNothing(t, subB)
}

func TestBroker_Topics(t *testing.T) {
	t.Parallel()
	b := newBroker()
	ctx := context.Background()
	inst := id.NewInstanceID()

	instSub, err := b.Subscribe("inst", "org_a", stream.InstanceTopic(inst.String()))
	if err != nil {
		t.Fatal(err)
	}
	kindSub, err := b.Subscribe("kind", "org_a", stream.KindTopic(event.StepFailed))
	if err != nil {
		t.Fatal(err)
	}
	entitySub, err := b.Subscribe("entity", "org_a", stream.EntityTopic("client:42"))
	if err != nil {
		t.Fatal(err)
	}

	completed := event.New(event.StepCompleted, "org_a")
	completed.InstanceID = inst
	b.Publish(ctx, completed)

	other := event.New(event.StepFailed, "org_a")
	other.InstanceID = id.NewInstanceID()
	b.Publish(ctx, other)

	changed := event.New(event.EntityChanged, "org_a")
	changed.EntityRef = "client:42"
	b.Publish(ctx, changed)

	if got := receive(t, instSub); got.Kind != event.StepCompleted {
		t.Errorf("instance topic got %q", got.Kind)
	}
	expectNothing(t, instSub)

	if got := receive(t, kindSub); got.Kind != event.StepFailed {
		t.Errorf("kind topic got %q", got.Kind)
	}
	expectNothing(t, kindSub)

	if got := receive(t, entitySub); got.EntityRef != "client:42" {
		t.Errorf("entity topic got %+v", got)
	}
	expectNothing(t, entitySub)
}

func TestBroker_OverlappingTopicsDeliverOnce(t *testing.T) {
	t.Parallel()
	b := newBroker()
	inst := id.NewInstanceID()

	sub, err := b.Subscribe("s", "org_a", stream.TopicAll, stream.InstanceTopic(inst.String()))
	if err != nil {
		t.Fatal(err)
	}

	evt := event.New(event.InstanceResumed, "org_a")
	evt.InstanceID = inst
	b.Publish(context.Background(), evt)

	receive(t, sub)
	expectNothing(t, sub)
	if got := b.Stats().TotalPublished; got != 1 {
		t.Errorf("TotalPublished = %d, want 1", got)
	}
}

func TestBroker_CreditsAndBuffer(t *testing.T) {
	t.Parallel()
	b := newBroker(stream.WithDefaultCredits(2), stream.WithBufferSize(8))
	ctx := context.Background()

	sub, err := b.Subscribe("s", "org_a")
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		b.Publish(ctx, event.New(event.StepRetrying, "org_a"))
	}

	receive(t, sub)
	receive(t, sub)
	expectNothing(t, sub)

	stats := b.Stats()
	if stats.TotalPublished != 2 || stats.TotalDropped != 1 {
		t.Errorf("stats = %+v, want 2 published 1 dropped", stats)
	}

	sub.AddCredits(1)
	b.Publish(ctx, event.New(event.StepRetrying, "org_a"))
	receive(t, sub)
}

func TestBroker_FullBufferRestoresCredit(t *testing.T) {
	t.Parallel()
	b := newBroker(stream.WithBufferSize(1))
	ctx := context.Background()

	sub, err := b.Subscribe("s", "org_a")
	if err != nil {
		t.Fatal(err)
	}
	before := sub.Credits()
	b.Publish(ctx, event.New(event.StepSkipped, "org_a"))
	b.Publish(ctx, event.New(event.StepSkipped, "org_a"))

	if got := sub.Credits(); got != before-1 {
		t.Errorf("Credits = %d, want %d", got, before-1)
	}
}

func TestBroker_SubscribeValidation(t *testing.T) {
	t.Parallel()
	b := newBroker()

	tests := []struct {
		name   string
		id     string
		org    string
		topics []string
	}{
		{"no org", "x", "", nil},
		{"bad topic", "y", "org_a", []string{"jobs"}},
		{"unknown entity", "z", "org_a", []string{"queue:default"}},
		{"empty id", "w", "org_a", []string{"instance:"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Subscribe(tt.id, tt.org, tt.topics...); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := b.Subscribe("dup", "org_a"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("dup", "org_b"); err == nil {
		t.Error("duplicate subscriber ID accepted")
	}
}

func TestBroker_AttachAndShutdown(t *testing.T) {
	t.Parallel()
	b := newBroker()
	bus := event.NewLocal()
	detach := b.Attach(bus)

	sub, err := b.Subscribe("s", "org_a")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := bus.Publish(ctx, event.New(event.InstanceCancelled, "org_a")); err != nil {
		t.Fatal(err)
	}
	receive(t, sub)

	detach()
	_ = bus.Publish(ctx, event.New(event.InstanceCancelled, "org_a"))
	expectNothing(t, sub)

	if err := b.OnShutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after shutdown")
	}
	if n := b.Stats().SubscriberCount; n != 0 {
		t.Errorf("SubscriberCount = %d after shutdown", n)
	}
}

func TestBroker_RemoveSubscriber(t *testing.T) {
	t.Parallel()
	b := newBroker()

	if _, err := b.Subscribe("s", "org_a", stream.TopicAll); err != nil {
		t.Fatal(err)
	}
	if err := b.SubscribeTo("s", stream.KindTopic(event.StepFailed)); err != nil {
		t.Fatal(err)
	}
	if got := b.Stats().TopicCount; got != 2 {
		t.Errorf("TopicCount = %d, want 2", got)
	}

	b.Unsubscribe("s", stream.TopicAll)
	if got := b.Stats().TopicCount; got != 1 {
		t.Errorf("TopicCount after unsubscribe = %d, want 1", got)
	}

	b.RemoveSubscriber("s")
	if _, ok := b.GetSubscriber("s"); ok {
		t.Error("subscriber still registered")
	}
	if got := b.Stats().TopicCount; got != 0 {
		t.Errorf("TopicCount after remove = %d, want 0", got)
	}
}
