package neo4jstore_test

import (
	"context"
	"testing"

	cadence "github.com/cadence-works/go-cadence"
	"github.com/cadence-works/go-cadence/internal/dbtest"
	"github.com/cadence-works/go-cadence/neo4jstore"
	"github.com/cadence-works/go-cadence/storetest"
)

func TestStoreContract(t *testing.T) {
	driver := dbtest.SetupNeo4j(t)

	// The contract suite wants an empty store per subtest, so each factory
	// call bootstraps its own database inside the shared container.
	storetest.Run(t, func(t *testing.T) cadence.Store {
		ctx := context.Background()
		name := dbtest.DatabaseName(t)
		if err := neo4jstore.Bootstrap(ctx, driver, name); err != nil {
			t.Fatalf("Failed to bootstrap database %q: %v", name, err)
		}
		return neo4jstore.New(driver, name)
	})
}

func TestBootstrapIsIdempotent(t *testing.T) {
	driver := dbtest.SetupNeo4j(t)

	ctx := context.Background()
	name := dbtest.DatabaseName(t)
	for range 2 {
		if err := neo4jstore.Bootstrap(ctx, driver, name); err != nil {
			t.Fatalf("Failed to bootstrap database %q: %v", name, err)
		}
	}
}

func TestBootstrapRejectsReservedNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "neo4j", "system", "systemfoo", "_hidden"} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("Bootstrap(%q) did not panic", name)
				}
			}()
			// The reserved-name check fires before any connection is made,
			// so a nil driver suffices.
			_ = neo4jstore.Bootstrap(context.Background(), nil, name)
		})
	}
}
