package memory

import (
	"context"
	"testing"

	"github.com/jmcleod/mailbridge/storage"
	"github.com/jmcleod/mailbridge/storage/storagetest"
)

func TestRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return NewRepository()
	})
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	if err := repo.PutCredential(ctx, "alice", "u", "p"); err != nil {
		t.Fatalf("PutCredential failed: %v", err)
	}
	rec, _ := repo.Get(ctx, "alice")
	rec.MailUser = "mutated"

	again, _ := repo.Get(ctx, "alice")
	if again.MailUser != "u" {
		t.Errorf("stored row was mutated through returned record: %q", again.MailUser)
	}
	if repo.Len() != 1 {
		t.Errorf("expected 1 row, got %d", repo.Len())
	}
}
