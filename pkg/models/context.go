package models

import "time"

// ContextStatus is the lifecycle state of an automation context
type ContextStatus string

const (
	ContextActive ContextStatus = "active"
	ContextIdle   ContextStatus = "idle"
	ContextClosed ContextStatus = "closed"
)

// AutomationContext is a live browser instance owned by the context pool
type AutomationContext struct {
	ID             string        `json:"id"`
	TestID         string        `json:"testId"`
	UserID         string        `json:"userId"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Status         ContextStatus `json:"status"`
	ConnectURL     string        `json:"-"` // CDP endpoint when the browser runs in a container
}

// PoolStats summarises the context pool for health reporting
type PoolStats struct {
	Active      int `json:"active"`
	MaxContexts int `json:"maxContexts"`
}
