package domain

// Role represents user role in the system
type Role string

const (
	RoleUser    Role = "USER"
	RoleOfficer Role = "OFFICER"
	RoleAdmin   Role = "ADMIN"
)

// AuthenticatedUser is the caller identity supplied by the auth layer
type AuthenticatedUser struct {
	ID   uint
	Role Role
}

// IsAdmin reports whether the caller may run administrative overrides
func (u AuthenticatedUser) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CanAccess reports whether the caller owns the resource or is an administrator
func (u AuthenticatedUser) CanAccess(ownerID uint) bool {
	return u.IsAdmin() || (u.ID != 0 && u.ID == ownerID)
}

// DeliveryMethod is the out-of-band channel a validation code is sent through
type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
	DeliveryLINE  DeliveryMethod = "line"
)

// Valid reports whether the method is one the engine knows how to request
func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryEmail, DeliverySMS, DeliveryLINE:
		return true
	}
	return false
}
