package models

// Action is an operation a permission can authorize.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Permission grants a set of actions over resources matching a pattern.
// The pattern is "*", an exact resource such as "channel:ops", or a
// prefix pattern ending in ":*" such as "channel:*".
type Permission struct {
	Resource string   `json:"resource" cbor:"1,keyasint"`
	Actions  []Action `json:"actions" cbor:"2,keyasint"`
}

// ClonePermissions returns a deep copy of perms.
func ClonePermissions(perms []Permission) []Permission {
	if perms == nil {
		return nil
	}
	out := make([]Permission, len(perms))
	for i, p := range perms {
		out[i] = Permission{Resource: p.Resource, Actions: append([]Action(nil), p.Actions...)}
	}
	return out
}
