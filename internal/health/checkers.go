package health

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gitlab.bluewillows.net/root/sshweaver/pkg/session"
)

// TrustStoreChecker reports readiness of the known_hosts file backing
// the trust store. An unreadable file means new connections cannot be
// verified.
func TrustStoreChecker(path string) Checker {
	return func(_ context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("trust store unreadable: %w", err)
		}
		_ = f.Close()
		return nil
	}
}

// SessionDegradation reports sessions whose transport has been lost but
// that still occupy pool entries. The process remains ready; operators
// see which connections need attention.
func SessionDegradation(list func() []session.Info) DegradedChecker {
	return func(_ context.Context) (bool, string) {
		var broken []string
		for _, info := range list() {
			if info.Status == session.StatusDisconnected.String() {
				broken = append(broken, info.ID)
			}
		}
		if len(broken) == 0 {
			return false, ""
		}
		return true, fmt.Sprintf("%d disconnected session(s): %s", len(broken), strings.Join(broken, ", "))
	}
}
