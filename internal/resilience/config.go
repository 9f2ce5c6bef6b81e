package resilience

import (
	"time"

	"github.com/sells-group/asset-reconcile/internal/config"
)

// FromConfig builds a Policy from the retry section. Zero values keep DefaultPolicy.
func FromConfig(rc config.RetryConfig) Policy {
	p := DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.Attempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMs > 0 {
		p.Backoff = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	return p
}
