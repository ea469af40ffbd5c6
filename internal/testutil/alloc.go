package testutil

import "testing"

const allocRuns = 10

// ShouldNotAllocate fails the test if f allocates memory, used to guard the
// pooled request path against accidental escapes to the heap.
func ShouldNotAllocate(t testing.TB, f func()) {
	t.Helper()
	if n := testing.AllocsPerRun(allocRuns, f); n > 0 {
		t.Errorf("function allocates %0.2f times per run", n)
	}
}
