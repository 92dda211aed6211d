package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// OperatorRole controls what an authenticated caller may do.
type OperatorRole string

const (
	// RoleViewer may read runs, traces, circuits and budgets.
	RoleViewer OperatorRole = "viewer"
	// RoleOperator may additionally submit runs, resolve approvals,
	// reset circuits and configure budgets.
	RoleOperator OperatorRole = "operator"
)

// roleRank orders roles for privilege comparison.
var roleRank = map[OperatorRole]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// RoleAtLeast reports whether role has at least the privileges of min.
func RoleAtLeast(role, min OperatorRole) bool {
	return roleRank[role] >= roleRank[min]
}

// Operator is an authenticated human (or automation) identity that submits
// runs and resolves approvals.
type Operator struct {
	ID         uuid.UUID    `json:"id"`
	OrgID      uuid.UUID    `json:"org_id"`
	Name       string       `json:"name"`
	Role       OperatorRole `json:"role"`
	APIKeyHash string       `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
}

var operatorNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ValidateOperatorName checks the operator name format.
func ValidateOperatorName(name string) error {
	if !operatorNameRe.MatchString(name) {
		return fmt.Errorf("operator name must match %s", operatorNameRe.String())
	}
	return nil
}
