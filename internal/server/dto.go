package server

import (
	"time"

	"workdesk/internal/domain"
)

// Request payloads

type CreateWorkRequest struct {
	WorkerID    string     `json:"worker_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Budget      *float64   `json:"budget,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty" format:"date-time"`
}

type ChangeStatusRequest struct {
	Status string `json:"status" enum:"accepted,rejected,completed,cancelled"`
}

type AddMessageRequest struct {
	Content string `json:"content"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type CreateWorkResponse struct {
	RequestID string `json:"request_id"`
}

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ID   string      `json:"id"`
	Role domain.Role `json:"role" enum:"user,worker,admin"`
}

type RequestListResponse struct {
	Items []domain.WorkRequest `json:"items"`
}

type WorkerListResponse struct {
	Items []WorkerResponse `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

// WorkerResponse is the public part of a worker profile.
type WorkerResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WorkType        string    `json:"work_type"`
	Location        string    `json:"location"`
	YearsExperience int       `json:"years_experience"`
	CreatedAt       time.Time `json:"created_at" format:"date-time"`
}

func workerResponse(p domain.Profile) WorkerResponse {
	return WorkerResponse{
		ID:              p.ID,
		Name:            p.Name,
		WorkType:        p.WorkType,
		Location:        p.Location,
		YearsExperience: p.YearsExperience,
		CreatedAt:       p.CreatedAt,
	}
}

func mapWorkers(items []domain.Profile) []WorkerResponse {
	out := make([]WorkerResponse, 0, len(items))
	for _, p := range items {
		out = append(out, workerResponse(p))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
