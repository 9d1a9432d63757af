package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

func TestMessagesReachOtherInstances(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := Dial("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	a := NewRedis(client, "", logr.Discard())
	b := NewRedis(client, "", logr.Discard())
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fromA := make(chan Message, 4)
	fromB := make(chan Message, 4)
	if err := a.Subscribe(ctx, func(m Message) { fromB <- m }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := b.Subscribe(ctx, func(m Message) { fromA <- m }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	env, _ := models.NewEnvelope("note:updated", models.NoteUpdatedPayload{RoomID: "note-n1", UserID: "u1", Content: "hi"})
	if err := a.Publish(ctx, "note-n1", "client-1", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case m := <-fromA:
		if m.Room != "note-n1" || m.Exclude != "client-1" || m.Envelope.Event != "note:updated" || m.Instance != a.Instance() {
			t.Fatalf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other instance never received the message")
	}

	select {
	case m := <-fromB:
		t.Fatalf("publisher received its own message: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialFailure(t *testing.T) {
	if _, err := Dial("not a url"); err == nil {
		t.Fatal("Dial() with a bad url succeeded")
	}
}
