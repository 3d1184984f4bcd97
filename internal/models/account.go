// internal/models/account.go
package models

import (
	"time"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
)

// Account is a registered member holding a coordinator designation or the
// fixed persona slot. Accounts are never hard-deleted; deactivation keeps
// historical messages attributable.
type Account struct {
	ID          string                  `json:"id"`
	FullName    string                  `json:"fullName"`
	Email       string                  `json:"email,omitempty"`
	Phone       string                  `json:"phone,omitempty"`
	Designation hierarchy.Level         `json:"designation"`
	Scope       hierarchy.LocationScope `json:"scope"`
	Active      bool                    `json:"active"`
	ActivatedAt time.Time               `json:"activatedAt"`
}
