package testutil

import "testing"

// TempHome points PIPEGUARD_HOME at a fresh temporary directory for the
// duration of the test and returns it.
func TempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PIPEGUARD_HOME", home)
	return home
}
