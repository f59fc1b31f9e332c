package models

import (
	"time"
)

// Tenant groups users by email domain. Workflows and runs are scoped to the
// tenant of the user that created them.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Principal identifies the authenticated caller of an API or MCP request.
type Principal struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	TenantID string `json:"tenant_id"`
}
