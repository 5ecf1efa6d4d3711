package domain

import "strings"

// Role is the part an actor plays in a negotiation.
type Role string

const (
	RoleBuyer       Role = "buyer"
	RoleSeller      Role = "seller"
	RoleBuyerAgent  Role = "buyer_agent"
	RoleSellerAgent Role = "seller_agent"
)

// AllRoles lists every participant role in canonical order.
var AllRoles = []Role{RoleBuyer, RoleSeller, RoleBuyerAgent, RoleSellerAgent}

// Valid reports whether r is one of AllRoles.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleBuyerAgent, RoleSellerAgent:
		return true
	}
	return false
}

// AccountRole is the platform-level role supplied by the identity source.
type AccountRole string

const (
	AccountUser  AccountRole = "user"
	AccountAgent AccountRole = "agent"
	AccountAdmin AccountRole = "admin"
)

// Valid reports whether a is a known account role.
func (a AccountRole) Valid() bool {
	switch a {
	case AccountUser, AccountAgent, AccountAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller of an operation. Negotiation checks use
// ID only; Role is informational.
type Actor struct {
	ID   string      `json:"id"`
	Role AccountRole `json:"role"`
}

// Participants maps each occupied negotiation role to an actor id.
type Participants map[Role]string

// NewParticipants builds a Participants set, dropping blank ids. The buyer is
// mandatory.
func NewParticipants(buyer, seller, buyerAgent, sellerAgent string) (Participants, error) {
	p := Participants{}
	p.set(RoleBuyer, buyer)
	p.set(RoleSeller, seller)
	p.set(RoleBuyerAgent, buyerAgent)
	p.set(RoleSellerAgent, sellerAgent)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p Participants) set(role Role, id string) {
	if id = strings.TrimSpace(id); id != "" {
		p[role] = id
	}
}

// Validate checks that every key is a known role and that a buyer is present.
func (p Participants) Validate() error {
	for role, id := range p {
		if !role.Valid() {
			return invalid("unknown participant role %q", role)
		}
		if strings.TrimSpace(id) == "" {
			return invalid("participant %s has an empty id", role)
		}
	}
	if p[RoleBuyer] == "" {
		return invalid("buyer is required")
	}
	return nil
}

// Get returns the actor id holding role, or "" when the role is vacant.
func (p Participants) Get(role Role) string {
	return p[role]
}

// List returns the ids of all set participants, buyer first.
func (p Participants) List() []string {
	out := make([]string, 0, len(AllRoles))
	for _, role := range AllRoles {
		if id, ok := p[role]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Has reports whether actorID occupies any role.
func (p Participants) Has(actorID string) bool {
	return len(p.RolesOf(actorID)) > 0
}

// HasRole reports whether actorID occupies at least one of roles.
func (p Participants) HasRole(actorID string, roles ...Role) bool {
	if actorID == "" {
		return false
	}
	for _, role := range roles {
		if p[role] == actorID {
			return true
		}
	}
	return false
}

// RolesOf returns every role actorID holds. One person may be both seller and
// seller agent.
func (p Participants) RolesOf(actorID string) []Role {
	if actorID == "" {
		return nil
	}
	var roles []Role
	for _, role := range AllRoles {
		if p[role] == actorID {
			roles = append(roles, role)
		}
	}
	return roles
}

// Clone returns an independent copy.
func (p Participants) Clone() Participants {
	out := make(Participants, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
