package engine

import (
	"strings"
	"time"

	"workdesk/internal/apperr"
	"workdesk/internal/domain"
	"workdesk/internal/engine/auth"
)

// Policy holds the hardening switches for the lifecycle rules.
type Policy struct {
	// LockTerminalStatus rejects non-admin transitions away from a terminal status.
	LockTerminalStatus bool
	// AllowSelfRequests permits a requester to target themselves as worker.
	AllowSelfRequests bool
}

// DefaultPolicy returns the hardened defaults.
func DefaultPolicy() Policy {
	return Policy{LockTerminalStatus: true}
}

// Engine decides lifecycle and authorization questions. It performs no I/O.
type Engine struct {
	Policy Policy
	Now    func() time.Time
}

func New(p Policy) Engine {
	return Engine{Policy: p, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

// after returns a timestamp strictly later than prev.
func (e Engine) after(prev time.Time) time.Time {
	ts := e.now()
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

// CreateInput are the caller supplied fields of a new request.
type CreateInput struct {
	WorkerID    string
	Title       string
	Description string
	Location    string
	Budget      *float64
	Deadline    *time.Time
}

// Create builds a new pending request. worker is the directory profile the
// orchestrator resolved for in.WorkerID.
func (e Engine) Create(p domain.Principal, worker domain.Profile, in CreateInput) (domain.WorkRequest, error) {
	if p.ID == "" {
		return domain.WorkRequest{}, auth.ForbiddenError{Action: "create work requests"}
	}
	in.WorkerID = strings.TrimSpace(in.WorkerID)
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Location = strings.TrimSpace(in.Location)
	if in.WorkerID == "" || in.Title == "" || in.Description == "" || in.Location == "" {
		return domain.WorkRequest{}, apperr.New(apperr.InvalidInput, "worker_id, title, description and location are required")
	}
	if worker.ID != in.WorkerID || worker.Role != domain.RoleWorker {
		return domain.WorkRequest{}, apperr.New(apperr.InvalidInput, "target %s is not a worker", in.WorkerID)
	}
	if in.WorkerID == p.ID && !e.Policy.AllowSelfRequests {
		return domain.WorkRequest{}, apperr.New(apperr.InvalidInput, "cannot request work from yourself")
	}
	now := e.now()
	var deadline *time.Time
	if in.Deadline != nil {
		d := in.Deadline.UTC().Truncate(time.Microsecond)
		deadline = &d
	}
	return domain.WorkRequest{
		RequesterID: p.ID,
		WorkerID:    in.WorkerID,
		Title:       in.Title,
		Description: in.Description,
		Location:    in.Location,
		Budget:      in.Budget,
		Deadline:    deadline,
		Status:      domain.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Messages:    []domain.Message{},
	}, nil
}

// ChangeStatus decides whether p may move r to target and returns the delta to persist.
func (e Engine) ChangeStatus(p domain.Principal, r domain.WorkRequest, target domain.Status) (domain.StatusChange, error) {
	if !target.Valid() || target == domain.StatusPending {
		return domain.StatusChange{}, apperr.New(apperr.InvalidInput, "invalid status %q", target)
	}
	if !auth.CanTransition(p, r, target) {
		return domain.StatusChange{}, auth.ForbiddenError{Action: "change status", Target: string(target)}
	}
	if e.Policy.LockTerminalStatus && r.Status.Terminal() && !p.IsAdmin() {
		return domain.StatusChange{}, apperr.New(apperr.InvalidInput, "request is already %s", r.Status)
	}
	return domain.StatusChange{
		RequestID:       r.ID,
		ActorID:         p.ID,
		From:            r.Status,
		To:              target,
		ExpectedVersion: r.Version,
		UpdatedAt:       e.after(r.UpdatedAt),
	}, nil
}

// Apply returns r with the status change folded in.
func Apply(r domain.WorkRequest, c domain.StatusChange) domain.WorkRequest {
	r.Status = c.To
	r.Version = c.ExpectedVersion + 1
	r.UpdatedAt = c.UpdatedAt
	return r
}

// AddMessage decides whether p may post content on r.
func (e Engine) AddMessage(p domain.Principal, r domain.WorkRequest, content string) (domain.MessageAppend, error) {
	if !auth.CanAccess(p, r) {
		return domain.MessageAppend{}, auth.ForbiddenError{Action: "message on this request"}
	}
	if strings.TrimSpace(content) == "" {
		return domain.MessageAppend{}, apperr.New(apperr.InvalidInput, "message content is required")
	}
	ts := e.after(r.UpdatedAt)
	return domain.MessageAppend{
		RequestID: r.ID,
		Message: domain.Message{
			SenderID:  p.ID,
			Content:   content,
			Timestamp: ts,
		},
		UpdatedAt: ts,
	}, nil
}

// Read authorizes p to view r.
func (e Engine) Read(p domain.Principal, r domain.WorkRequest) error {
	if !auth.CanAccess(p, r) {
		return auth.ForbiddenError{Action: "view this request"}
	}
	return nil
}

// WorkerListing resolves which worker's requests p may list. An empty
// workerID means the caller's own.
func (e Engine) WorkerListing(p domain.Principal, workerID string) (string, error) {
	if p.Role != domain.RoleWorker && !p.IsAdmin() {
		return "", auth.ForbiddenError{Action: "list worker requests"}
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		workerID = p.ID
	}
	if !p.IsAdmin() && workerID != p.ID {
		return "", auth.ForbiddenError{Action: "list requests of another worker"}
	}
	return workerID, nil
}
