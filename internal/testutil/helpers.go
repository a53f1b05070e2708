package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the NFREGEX_VM_TEST environment variable is not set.
// Tests that bind real NFQUEUE numbers or install nftables rules need root
// and a disposable kernel, so they only run inside the test VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("NFREGEX_VM_TEST") == "" {
		t.Skip("Skipping test: requires NFREGEX_VM_TEST environment")
	}
}
