package delivery

import (
	"strings"

	"incognito_chat/internal/model"
)

// Classify maps a relay's rejection reason to a RejectClass. Relays prefix
// machine-readable reasons, e.g. "rate-limited: slow down" or "pow: 20 bits".
func Classify(reason string) model.RejectClass {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "rate-limited"):
		return model.RejectRateLimited
	case strings.Contains(r, "pow:"):
		return model.RejectPoWRequired
	case strings.Contains(r, "auth-required"):
		return model.RejectAuthRequired
	}
	return model.RejectOther
}
