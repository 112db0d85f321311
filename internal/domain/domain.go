package domain

import "time"

// Role is the closed set of principal roles.
type Role string

const (
	RoleUser   Role = "user"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleWorker, RoleAdmin:
		return true
	}
	return false
}

// ParseRole converts user supplied strings into Role values.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// Status is the lifecycle state of a work request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is defined in normal operation.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusCancelled
}

// Principal is an authenticated actor.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Profile is a directory entry. Worker-only fields are empty for other roles.
type Profile struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	Role            Role      `json:"role" enum:"user,worker,admin"`
	WorkType        string    `json:"work_type,omitempty"`
	Location        string    `json:"location,omitempty"`
	YearsExperience int       `json:"years_experience,omitempty"`
	CreatedAt       time.Time `json:"created_at" format:"date-time"`
}

// Message is a single entry of a request's thread.
type Message struct {
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
}

// WorkRequest is the stored record. Version increments on every status change
// and is the compare-and-swap token for status updates.
type WorkRequest struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	WorkerID    string     `json:"worker_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Budget      *float64   `json:"budget,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty" format:"date-time"`
	Status      Status     `json:"status" enum:"pending,accepted,rejected,completed,cancelled"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time  `json:"updated_at" format:"date-time"`
	Messages    []Message  `json:"messages"`
}

// StatusChange is the delta persisted for a status transition.
type StatusChange struct {
	RequestID       string
	ActorID         string
	From            Status
	To              Status
	ExpectedVersion int64
	UpdatedAt       time.Time
}

// MessageAppend is the delta persisted for a new message.
type MessageAppend struct {
	RequestID string
	Message   Message
	UpdatedAt time.Time
}

// Event is an audit log entry for a request.
type Event struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts" format:"date-time"`
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	ActorID   string    `json:"actor_id"`
	Payload   string    `json:"payload_json"`
}

// APIKey maps a hashed key to a directory user.
type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}
