package gateway

import (
	"testing"

	"github.com/google/uuid"
)

func TestServiceRegistryCounts(t *testing.T) {
	reg := NewServiceRegistry()
	a, b := uuid.New(), uuid.New()

	reg.AddConnection("mybot", a)
	reg.AddConnection("mybot", b)
	reg.AddConnection("fetch", uuid.New())

	counts := reg.OnlineCounts()
	if counts["mybot"] != 2 {
		t.Fatalf("expected 2 mybot connections, got %d", counts["mybot"])
	}
	if counts["fetch"] != 1 {
		t.Fatalf("expected 1 fetch connection, got %d", counts["fetch"])
	}

	reg.RemoveConnection("mybot", a)
	if !reg.IsOnline("mybot") {
		t.Fatalf("mybot still has one connection")
	}
	reg.RemoveConnection("mybot", b)
	if reg.IsOnline("mybot") {
		t.Fatalf("mybot should be offline")
	}
	if _, ok := reg.OnlineCounts()["mybot"]; ok {
		t.Fatalf("drained service type must be absent, not zero")
	}
}

func TestServiceRegistryDuplicateAddIsIdempotent(t *testing.T) {
	reg := NewServiceRegistry()
	id := uuid.New()

	reg.AddConnection("tts", id)
	reg.AddConnection("tts", id)
	if got := reg.OnlineCounts()["tts"]; got != 1 {
		t.Fatalf("expected duplicate add to count once, got %d", got)
	}

	reg.RemoveConnection("tts", id)
	if reg.IsOnline("tts") {
		t.Fatalf("tts should be offline after removing its only connection")
	}
}

func TestServiceRegistryRemoveUnknownIsNoop(t *testing.T) {
	reg := NewServiceRegistry()
	reg.RemoveConnection("nope", uuid.New())
	if len(reg.OnlineCounts()) != 0 {
		t.Fatalf("expected empty registry")
	}
}
