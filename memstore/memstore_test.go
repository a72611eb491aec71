package memstore_test

import (
	"context"
	"testing"
	"time"

	cadence "github.com/cadence-works/go-cadence"
	"github.com/cadence-works/go-cadence/memstore"
	"github.com/cadence-works/go-cadence/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cadence.Store {
		return memstore.New()
	})
}

// The injected clock stamps records deterministically, which the resolver's
// tie-break rules depend on in tests.
func TestClockInjection(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	store := memstore.NewWithClock(func() time.Time { return now })

	item := cadence.Item{Type: "wall", Identifier: "W-101"}
	if err := store.CreateItem(context.Background(), &item); err != nil {
		t.Fatalf("Failed to create item: %v", err)
	}
	if !item.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", item.CreatedAt, now)
	}
	if !item.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", item.UpdatedAt, now)
	}
}
