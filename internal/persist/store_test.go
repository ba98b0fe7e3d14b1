package persist

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/roundtable/pkg/models"
)

func chunk(threadID, messageID string, seq int64, content string, finalized bool) *models.PersistedChunk {
	return &models.PersistedChunk{
		ThreadID:  threadID,
		MessageID: messageID,
		Seq:       seq,
		Kind:      models.ChunkText,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Finalized: finalized,
	}
}

// The memory and SQLite stores must agree on the append contract.
func testStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	result, err := store.AppendChunk(ctx, chunk("t1", "m1", 0, "hello", false))
	if err != nil || result != AppendOK {
		t.Fatalf("first append = %v, %v", result, err)
	}

	result, err = store.AppendChunk(ctx, chunk("t1", "m1", 0, "hello", false))
	if err != nil || result != AppendDedup {
		t.Fatalf("replayed append = %v, %v, want dedup", result, err)
	}

	result, err = store.AppendChunk(ctx, chunk("t1", "m1", 1, "", true))
	if err != nil || result != AppendOK {
		t.Fatalf("finalizing append = %v, %v", result, err)
	}

	// Any append after the finalized marker is a duplicate, including the
	// marker itself.
	result, err = store.AppendChunk(ctx, chunk("t1", "m1", 2, "late", false))
	if err != nil || result != AppendDedup {
		t.Fatalf("append after finalized = %v, %v, want dedup", result, err)
	}
	result, err = store.AppendChunk(ctx, chunk("t1", "m1", 1, "", true))
	if err != nil || result != AppendDedup {
		t.Fatalf("replayed finalize = %v, %v, want dedup", result, err)
	}

	// Other messages are unaffected.
	result, err = store.AppendChunk(ctx, chunk("t1", "m2", 0, "next", false))
	if err != nil || result != AppendOK {
		t.Fatalf("append to other message = %v, %v", result, err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStoreContract(t, store)

	chunks := store.Chunks("t1", "m1")
	if len(chunks) != 2 || chunks[0].Content != "hello" {
		t.Errorf("stored chunks = %+v", chunks)
	}
	if !store.Finalized("t1", "m1") {
		t.Error("message should be finalized")
	}
	if store.Finalized("t1", "m2") {
		t.Error("other message should not be finalized")
	}
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStoreContract(t, store)
}
