package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "reports/daily/run-1.json", "application/json", bytes.NewBufferString(`{"rows":1}`))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://reports/daily/run-1.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	got, ok := store.Object("reports/daily/run-1.json")
	if !ok || string(got) != `{"rows":1}` {
		t.Fatalf("unexpected object %q (ok=%v)", got, ok)
	}
	got[0] = 'X'
	again, _ := store.Object("reports/daily/run-1.json")
	if again[0] != '{' {
		t.Fatal("expected Object to return a copy")
	}
	if _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
