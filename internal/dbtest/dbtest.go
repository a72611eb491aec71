/*
Package dbtest spins up database containers for integration tests. It wraps
the testcontainers-go library with the defaults our store tests want, so that
tests which do not care about container details stay free of boilerplate.
Tests needing a specific database customisation should use the
testcontainers-go modules directly.

Developing locally with Docker, you may want to inspect the database manually
after a test failure. To do this, set the Inspect flag:

	go test -dbtest.inspect

This package is intended for tests only.
*/
package dbtest

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"testing"
)

// Inspect keeps the database container of a failed test running so its state
// can be examined by hand. The testcontainers reaper still collects the
// container eventually; see their documentation.
var Inspect = flag.Bool("dbtest.inspect", false, "keep test container running for inspection after a failed test completes")

// waitForInspection blocks until the user signals that they are done
// inspecting the database by sending a SIGINT (Ctrl+C).
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}

var databaseSeq atomic.Int64

// DatabaseName derives a database name unique within the test binary, so
// subtests sharing one container get isolated databases. The name is
// lower-cased and stripped to letters and digits to satisfy Neo4j's naming
// rules.
func DatabaseName(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	for _, r := range strings.ToLower(t.Name()) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return fmt.Sprintf("db%s%d", b.String(), databaseSeq.Add(1))
}
