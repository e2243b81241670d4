package models

import "time"

// CounterStatus mirrors the counters_status/{id} record. At most one staff
// session holds IsActive for a given counter at a time.
type CounterStatus struct {
	IsActive   bool       `json:"is_active"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	LastLogout *time.Time `json:"last_logout,omitempty"`
}
