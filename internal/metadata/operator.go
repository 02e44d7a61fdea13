package metadata

// OperatorLocal is the fiber Locals key holding the authenticated *Operator.
const OperatorLocal = "operator"

// Operator roles. Admins change hub state; viewers only read it.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Operator is the person or automation calling the hub API, as described by
// its access token.
type Operator struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles"`
}

func (o *Operator) HasRole(role string) bool {
	for _, r := range o.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanManage reports whether the operator may create, change, run or delete
// integrations and webhooks.
func (o *Operator) CanManage() bool {
	return o.HasRole(RoleAdmin)
}
