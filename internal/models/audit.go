package models

import "time"

// AuditAction names an authentication event in the audit trail.
type AuditAction string

// Audit actions recorded for authentication events.
const (
	AuditActionRegister      AuditAction = "REGISTER"
	AuditActionLogin         AuditAction = "LOGIN"
	AuditActionLoginFailed   AuditAction = "LOGIN_FAILED"
	AuditActionRefresh       AuditAction = "REFRESH"
	AuditActionLogout        AuditAction = "LOGOUT"
	AuditActionLogoutAll     AuditAction = "LOGOUT_ALL"
	AuditActionReuseDetected AuditAction = "REUSE_DETECTED"
	AuditActionDeactivate    AuditAction = "DEACTIVATE"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID        string      `db:"id" json:"id"`
	UserID    *string     `db:"user_id" json:"user_id,omitempty"`
	Action    AuditAction `db:"action" json:"action"`
	Resource  string      `db:"resource" json:"resource"`
	NewValues []byte      `db:"new_values" json:"new_values,omitempty"`
	IPAddress string      `db:"ip_address" json:"ip_address"`
	UserAgent string      `db:"user_agent" json:"user_agent"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}
