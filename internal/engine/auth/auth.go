package auth

import (
	"fmt"

	"workdesk/internal/apperr"
	"workdesk/internal/domain"
)

// ForbiddenError indicates the principal may not perform an action on a request.
type ForbiddenError struct {
	Action string
	Target string
}

func (e ForbiddenError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("not allowed to %s to %s", e.Action, e.Target)
	}
	return fmt.Sprintf("not allowed to %s", e.Action)
}

func (e ForbiddenError) Kind() apperr.Kind { return apperr.Forbidden }

// Relation is how a principal relates to a given request.
type Relation int

const (
	Unrelated Relation = iota
	Requester
	Worker
	Admin
)

// RelationOf resolves the principal's relation to r. Being the assigned worker
// wins over being the requester, and both win over the admin role.
func RelationOf(p domain.Principal, r domain.WorkRequest) Relation {
	switch {
	case p.ID != "" && p.ID == r.WorkerID:
		return Worker
	case p.ID != "" && p.ID == r.RequesterID:
		return Requester
	case p.IsAdmin():
		return Admin
	default:
		return Unrelated
	}
}

var (
	workerTargets    = []domain.Status{domain.StatusAccepted, domain.StatusRejected, domain.StatusCompleted}
	requesterTargets = []domain.Status{domain.StatusCancelled}
)

// AllowedTargets lists the statuses p may set on r. Admins may set anything,
// including through a worker or requester relation.
func AllowedTargets(p domain.Principal, r domain.WorkRequest) []domain.Status {
	if p.IsAdmin() {
		return []domain.Status{domain.StatusAccepted, domain.StatusRejected, domain.StatusCompleted, domain.StatusCancelled}
	}
	switch RelationOf(p, r) {
	case Worker:
		return workerTargets
	case Requester:
		return requesterTargets
	default:
		return nil
	}
}

// CanTransition reports whether p may move r to target.
func CanTransition(p domain.Principal, r domain.WorkRequest, target domain.Status) bool {
	for _, s := range AllowedTargets(p, r) {
		if s == target {
			return true
		}
	}
	return false
}

// CanAccess is the shared predicate for reading and messaging on a request.
func CanAccess(p domain.Principal, r domain.WorkRequest) bool {
	return RelationOf(p, r) != Unrelated
}
