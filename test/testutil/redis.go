package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// StartRedis runs an in-process Redis stand-in closed on test cleanup.
// Returns: server handle; Addr() feeds [redis] addrs.
func StartRedis(tb testing.TB) *miniredis.Miniredis {
	tb.Helper()
	return miniredis.RunT(tb)
}
