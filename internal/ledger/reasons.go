package ledger

import (
	"strings"

	"github.com/propertyledger/backend/internal/models"
)

// Rejection reasons the registry contracts revert with. Backends surface them verbatim.
const (
	ReasonAlreadyListed = "already listed"
	ReasonNotListed     = "not listed"
	ReasonEscrowExists  = "escrow exists"
	ReasonEscrowActive  = "escrow active"
	ReasonNotOwner      = "caller is not owner"
	ReasonNotSeller     = "caller is not seller"
	ReasonNotBuyer      = "caller is not buyer"
	ReasonNotParty      = "caller is not a party"
)

var userCancelMarkers = []string{"user rejected", "user denied", "user cancelled", "user canceled"}

// IsUserCancelReason reports whether the signer declined the request rather than the chain.
func IsUserCancelReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, m := range userCancelMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}

func normalize(addr string) string { return models.NormalizeAddress(addr) }

func sameAddr(a, b string) bool { return models.SameAddress(a, b) }
