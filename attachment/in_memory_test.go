package attachment

import (
	"errors"
	"testing"
)

func TestSaveAndGet(t *testing.T) {
	store := NewInMemoryStore()

	att := store.Save("notes.txt", "text/plain", []byte("hello"))
	if att.ID == "" {
		t.Fatal("expected a generated id")
	}
	if att.Size != 5 {
		t.Fatalf("expected size 5, got %d", att.Size)
	}

	got, err := store.Get(att.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got.Data()) != "hello" {
		t.Fatalf("unexpected data: %q", got.Data())
	}
}

func TestGetByURI(t *testing.T) {
	store := NewInMemoryStore()

	att := store.Save("notes.txt", "text/plain", []byte("hello"))
	if att.URI() != URIScheme+att.ID {
		t.Fatalf("unexpected uri: %q", att.URI())
	}

	got, err := store.Get(att.URI())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != att.ID {
		t.Fatalf("expected %q, got %q", att.ID, got.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewInMemoryStore()

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDataIsolation(t *testing.T) {
	store := NewInMemoryStore()

	src := []byte("hello")
	att := store.Save("notes.txt", "text/plain", src)
	src[0] = 'X'

	got, _ := store.Get(att.ID)
	data := got.Data()
	if string(data) != "hello" {
		t.Fatalf("stored data mutated: %q", data)
	}

	data[0] = 'Y'
	again, _ := store.Get(att.ID)
	if string(again.Data()) != "hello" {
		t.Fatal("read copy mutated the store")
	}
}

func TestListOrdered(t *testing.T) {
	store := NewInMemoryStore()

	a := store.Save("a.txt", "text/plain", []byte("a"))
	b := store.Save("b.txt", "text/plain", []byte("b"))

	all := store.List()
	if len(all) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(all))
	}
	if all[0].ID != a.ID || all[1].ID != b.ID {
		t.Fatal("expected creation order")
	}
}

func TestDelete(t *testing.T) {
	store := NewInMemoryStore()

	att := store.Save("notes.txt", "text/plain", []byte("hello"))
	if err := store.Delete(att.URI()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get(att.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(att.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}
