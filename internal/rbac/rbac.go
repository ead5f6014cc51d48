package rbac

import "github.com/propertyledger/backend/internal/models"

// Role constants. A party's role is relative to one deal or asset.
const (
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
	RoleNone   = ""
)

// Permission constants
const (
	PermDeposit       = "escrow_deposit"
	PermComplete      = "escrow_complete"
	PermCancel        = "escrow_cancel"
	PermRefund        = "escrow_refund"
	PermCancelListing = "cancel_listing"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleSeller: {
		PermComplete, PermCancel, PermRefund, PermCancelListing,
		// Seller CANNOT: PermDeposit
	},
	RoleBuyer: {
		PermDeposit, PermComplete, PermCancel,
	},
}

// Funded cancel policies
const (
	PolicyDisabled = "disabled"
	PolicySeller   = "seller"
	PolicyEither   = "either"
)

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// DealRole returns addr's role between seller and buyer.
func DealRole(seller, buyer, addr string) string {
	switch {
	case models.SameAddress(addr, seller):
		return RoleSeller
	case models.SameAddress(addr, buyer):
		return RoleBuyer
	default:
		return RoleNone
	}
}

// CanCancelFunded reports whether role may cancel a funded deal under policy.
func CanCancelFunded(policy, role string) bool {
	switch policy {
	case PolicyEither:
		return role == RoleSeller || role == RoleBuyer
	case PolicySeller:
		return role == RoleSeller
	default:
		return false
	}
}
