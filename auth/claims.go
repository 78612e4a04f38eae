// Package auth validates bearer credentials at connection time and turns
// them into the identity claims the permission filter decides on
package auth

// Role is the trust level of a subscriber. The three roles form a strict
// hierarchy: operator > organization > customer.
type Role string

const (
	// RoleOperator is the platform operator, the highest trust level
	RoleOperator Role = "operator"
	// RoleOrganization is an intermediary organization managing customers
	RoleOrganization Role = "organization"
	// RoleCustomer is an end customer, the lowest trust level
	RoleCustomer Role = "customer"
)

// Valid reports whether the role is one of the three known trust levels
func (r Role) Valid() bool {
	switch r {
	case RoleOperator, RoleOrganization, RoleCustomer:
		return true
	}
	return false
}

// AtLeast reports whether the role carries at least the trust of other
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

func (r Role) rank() int {
	switch r {
	case RoleOperator:
		return 3
	case RoleOrganization:
		return 2
	case RoleCustomer:
		return 1
	default:
		return 0
	}
}

// Claims are the validated identity attributes attached to a connection at
// authentication time. They are immutable once issued; room membership and
// every visibility decision derive from them alone.
type Claims struct {
	// IdentityID is the subject identifier of the credential
	IdentityID string
	// Role is the trust level
	Role Role
	// OrganizationID is the ownership scope for organization subscribers,
	// and the managing organization for customer subscribers (may be empty)
	OrganizationID string
	// CustomerID is the ownership scope for customer subscribers (empty for
	// operators and organizations)
	CustomerID string
	// Permissive marks claims minted by the permissive development mode
	// rather than a verified credential
	Permissive bool
}
