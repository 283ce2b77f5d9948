package storage

import (
	"testing"

	"nicedrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRecordOffer(t *testing.T, store *Store, from, to, fileName string) string {
	t.Helper()

	transferID, err := store.RecordOffer(from, to, models.FileInfo{Name: fileName, Size: 200000, Type: "application/pdf"})
	if err != nil {
		t.Fatalf("record offer %q: %v", fileName, err)
	}
	return transferID
}
