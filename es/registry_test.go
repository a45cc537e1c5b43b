package es_test

import (
	"errors"
	"testing"

	"github.com/getpup/puprelay/es"
)

type titleSet struct {
	Title string `json:"title"`
}

func (titleSet) EventType() string { return "TitleSet" }
func (titleSet) EventVersion() int { return 2 }
func (titleSet) Publishable() bool { return true }

type noteAdded struct {
	Note string `json:"note"`
}

func (noteAdded) EventType() string { return "NoteAdded" }

// renameUpcaster moves "name" to "title" for TitleSet v1.
type renameUpcaster struct{}

func (renameUpcaster) UpcastPayload(eventType string, version int, payload map[string]any) (map[string]any, int, error) {
	if eventType != "TitleSet" || version != 1 {
		return payload, version, nil
	}
	out := map[string]any{"title": payload["name"]}
	return out, 2, nil
}

func TestRegister_ReturnsEventType(t *testing.T) {
	r := es.NewEventRegistry()
	if got := es.Register[titleSet](r); got != "TitleSet" {
		t.Fatalf("Register() = %q, want TitleSet", got)
	}
	if !r.Has("TitleSet") {
		t.Error("expected TitleSet to be registered")
	}
	if r.Has("NoteAdded") {
		t.Error("NoteAdded should not be registered")
	}
}

func TestDecoder_Decode(t *testing.T) {
	r := es.NewEventRegistry()
	es.Register[titleSet](r)
	es.Register[noteAdded](r)

	d := es.NewDecoder(r, es.JSONCodec{}, renameUpcaster{})

	ev, err := d.Decode(es.StoredEvent{EventType: "TitleSet", EventVersion: 1, Payload: []byte(`{"name":"draft"}`)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := ev.(titleSet).Title; got != "draft" {
		t.Errorf("upcasted title = %q, want draft", got)
	}

	ev, err = d.Decode(es.StoredEvent{EventType: "TitleSet", EventVersion: 2, Payload: []byte(`{"title":"final"}`)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := ev.(titleSet).Title; got != "final" {
		t.Errorf("current title = %q, want final", got)
	}

	ev, err = d.Decode(es.StoredEvent{EventType: "NoteAdded", EventVersion: 1, Payload: []byte(`{"note":"n"}`)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := ev.(noteAdded).Note; got != "n" {
		t.Errorf("note = %q, want n", got)
	}
}

type amountSet struct {
	Title  string `json:"title"`
	Amount int64  `json:"amount"`
}

func (amountSet) EventType() string { return "AmountSet" }
func (amountSet) EventVersion() int { return 2 }

// amountRename moves "name" to "title" for AmountSet v1 and keeps the amount as is.
type amountRename struct{}

func (amountRename) UpcastPayload(eventType string, version int, payload map[string]any) (map[string]any, int, error) {
	if eventType != "AmountSet" || version != 1 {
		return payload, version, nil
	}
	return map[string]any{"title": payload["name"], "amount": payload["amount"]}, 2, nil
}

func TestDecoder_UpcastKeepsLargeIntegers(t *testing.T) {
	r := es.NewEventRegistry()
	es.Register[amountSet](r)
	d := es.NewDecoder(r, es.JSONCodec{}, amountRename{})

	ev, err := d.Decode(es.StoredEvent{
		EventType:    "AmountSet",
		EventVersion: 1,
		Payload:      []byte(`{"name":"x","amount":9007199254740993}`),
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got := ev.(amountSet)
	if got.Title != "x" {
		t.Errorf("title = %q, want x", got.Title)
	}
	if got.Amount != 9007199254740993 {
		t.Errorf("amount = %d, want 9007199254740993", got.Amount)
	}
}

func TestNormalize_KeepsNumbersExact(t *testing.T) {
	payload, err := es.Normalize(es.JSONCodec{}, "AmountSet", []byte(`{"amount":9007199254740993,"ratio":0.1}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	data, err := es.Denormalize(es.JSONCodec{}, "AmountSet", payload)
	if err != nil {
		t.Fatalf("Denormalize() error = %v", err)
	}
	if string(data) != `{"amount":9007199254740993,"ratio":0.1}` {
		t.Errorf("round trip = %s", data)
	}
}

func TestDecoder_Errors(t *testing.T) {
	r := es.NewEventRegistry()
	es.Register[noteAdded](r)
	d := es.NewDecoder(r, nil, nil)

	_, err := d.Decode(es.StoredEvent{EventType: "Missing"})
	if !errors.Is(err, es.ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}

	_, err = d.Decode(es.StoredEvent{EventType: "NoteAdded", Payload: []byte(`{not json`)})
	if !errors.Is(err, es.ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
	var serr *es.SerializationError
	if !errors.As(err, &serr) || serr.EventType != "NoteAdded" {
		t.Errorf("expected SerializationError for NoteAdded, got %v", err)
	}
}

func TestEventHelpers(t *testing.T) {
	if es.VersionOf(titleSet{}) != 2 {
		t.Error("VersionOf(titleSet) should be 2")
	}
	if es.VersionOf(noteAdded{}) != 1 {
		t.Error("VersionOf(noteAdded) should default to 1")
	}
	if !es.IsPublishable(titleSet{}) {
		t.Error("titleSet should be publishable")
	}
	if es.IsPublishable(noteAdded{}) {
		t.Error("noteAdded should not be publishable")
	}
}

func TestCodecByName(t *testing.T) {
	if c, err := es.CodecByName("json"); err != nil || c.Name() != "json" {
		t.Errorf("CodecByName(json) = %v, %v", c, err)
	}
	if _, err := es.CodecByName("avro"); !errors.Is(err, es.ErrStrategyNotFound) {
		t.Errorf("expected ErrStrategyNotFound, got %v", err)
	}
}
