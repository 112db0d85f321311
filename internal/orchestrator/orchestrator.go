// Package orchestrator runs the work request operations end to end: directory
// lookup, engine decision, store write.
package orchestrator

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"workdesk/internal/apperr"
	"workdesk/internal/domain"
	"workdesk/internal/engine"
	"workdesk/internal/repo"
)

// Store persists work requests. UpdateStatus must only succeed when the stored
// version equals the change's ExpectedVersion, and AppendMessage must append
// atomically without rewriting existing messages.
type Store interface {
	CreateRequest(ctx context.Context, r domain.WorkRequest) (string, error)
	GetRequest(ctx context.Context, id string) (domain.WorkRequest, error)
	UpdateStatus(ctx context.Context, c domain.StatusChange) error
	AppendMessage(ctx context.Context, m domain.MessageAppend) error
	ListByRequester(ctx context.Context, requesterID string) ([]domain.WorkRequest, error)
	ListByWorker(ctx context.Context, workerID string) ([]domain.WorkRequest, error)
	RequestEvents(ctx context.Context, requestID string) ([]domain.Event, error)
}

// Directory resolves users to profiles.
type Directory interface {
	GetProfile(ctx context.Context, id string) (domain.Profile, error)
	ListProfiles(ctx context.Context, role domain.Role) ([]domain.Profile, error)
}

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
)

type Orchestrator struct {
	Engine     engine.Engine
	Store      Store
	Directory  Directory
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

func New(e engine.Engine, store Store, dir Directory) *Orchestrator {
	return &Orchestrator{
		Engine:     e,
		Store:      store,
		Directory:  dir,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		Logger:     slog.Default(),
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// call runs fn under the store timeout.
func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// storeErr translates a store or directory failure into the error taxonomy.
// Only failures to reach the backend are Unavailable; anything else the store
// reports is Internal.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, err, what+" not found")
	case errors.Is(err, repo.ErrConflict):
		return apperr.Wrap(apperr.Conflict, err, what+" was modified concurrently")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if isOutage(err) {
		return apperr.Wrap(apperr.Unavailable, err, "store unavailable")
	}
	return apperr.Wrap(apperr.Internal, err, what+" store failed")
}

func isOutage(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	return pgconn.Timeout(err)
}

func (o *Orchestrator) load(ctx context.Context, id string) (domain.WorkRequest, error) {
	var r domain.WorkRequest
	if strings.TrimSpace(id) == "" {
		return r, apperr.New(apperr.InvalidInput, "request id is required")
	}
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		r, err = o.Store.GetRequest(ctx, id)
		return err
	})
	return r, storeErr(err, "request")
}

// Create resolves the target worker and stores a new pending request.
func (o *Orchestrator) Create(ctx context.Context, p domain.Principal, in engine.CreateInput) (string, error) {
	workerID := strings.TrimSpace(in.WorkerID)
	if workerID == "" {
		return "", apperr.New(apperr.InvalidInput, "worker_id is required")
	}
	var worker domain.Profile
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		worker, err = o.Directory.GetProfile(ctx, workerID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) || (err == nil && worker.Role != domain.RoleWorker) {
		return "", apperr.New(apperr.NotFound, "worker not found")
	}
	if err != nil {
		return "", storeErr(err, "worker")
	}
	r, err := o.Engine.Create(p, worker, in)
	if err != nil {
		return "", err
	}
	var id string
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = o.Store.CreateRequest(ctx, r)
		return err
	})
	if err != nil {
		return "", storeErr(err, "request")
	}
	o.logger().Info("request created", "request_id", id, "requester_id", p.ID, "worker_id", r.WorkerID)
	return id, nil
}

// ChangeStatus moves a request to target. A concurrent status change makes
// the write lose its compare-and-swap and surfaces as Conflict.
func (o *Orchestrator) ChangeStatus(ctx context.Context, p domain.Principal, id string, target domain.Status) (domain.WorkRequest, error) {
	r, err := o.load(ctx, id)
	if err != nil {
		return domain.WorkRequest{}, err
	}
	change, err := o.Engine.ChangeStatus(p, r, target)
	if err != nil {
		return domain.WorkRequest{}, err
	}
	err = o.call(ctx, func(ctx context.Context) error { return o.Store.UpdateStatus(ctx, change) })
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			o.logger().Warn("status change lost race", "request_id", id, "actor_id", p.ID, "expected_version", change.ExpectedVersion)
		}
		return domain.WorkRequest{}, storeErr(err, "request")
	}
	o.logger().Info("request status changed", "request_id", id, "actor_id", p.ID, "from", change.From, "to", change.To)
	// Messages may have landed since the load; return what is stored now.
	stored, err := o.load(ctx, id)
	if err != nil {
		o.logger().Warn("reload after status change failed", "request_id", id, "err", err)
		return engine.Apply(r, change), nil
	}
	return stored, nil
}

// AddMessage appends a message to the request thread, retrying lock
// contention by reloading and deciding again.
func (o *Orchestrator) AddMessage(ctx context.Context, p domain.Principal, id, content string) (domain.Message, error) {
	attempts := o.MaxRetries
	if attempts < 0 {
		attempts = 0
	}
	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		r, err := o.load(ctx, id)
		if err != nil {
			return domain.Message{}, err
		}
		m, err := o.Engine.AddMessage(p, r, content)
		if err != nil {
			return domain.Message{}, err
		}
		err = o.call(ctx, func(ctx context.Context) error { return o.Store.AppendMessage(ctx, m) })
		if err == nil {
			return m.Message, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return domain.Message{}, storeErr(err, "request")
		}
		lastErr = err
		o.logger().Warn("message append conflicted, retrying", "request_id", id, "attempt", attempt+1)
		if ctx.Err() != nil {
			return domain.Message{}, storeErr(ctx.Err(), "request")
		}
	}
	return domain.Message{}, storeErr(lastErr, "request")
}

// GetByID returns a request the principal may read.
func (o *Orchestrator) GetByID(ctx context.Context, p domain.Principal, id string) (domain.WorkRequest, error) {
	r, err := o.load(ctx, id)
	if err != nil {
		return domain.WorkRequest{}, err
	}
	if err := o.Engine.Read(p, r); err != nil {
		return domain.WorkRequest{}, err
	}
	return r, nil
}

// ListMine lists the principal's own requests, newest first.
func (o *Orchestrator) ListMine(ctx context.Context, p domain.Principal) ([]domain.WorkRequest, error) {
	if p.ID == "" {
		return nil, apperr.New(apperr.Forbidden, "not allowed to list requests")
	}
	var list []domain.WorkRequest
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		list, err = o.Store.ListByRequester(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, storeErr(err, "request")
	}
	return o.readable(p, list), nil
}

// ListForWorker lists requests addressed to workerID, or to the principal when
// workerID is empty.
func (o *Orchestrator) ListForWorker(ctx context.Context, p domain.Principal, workerID string) ([]domain.WorkRequest, error) {
	workerID, err := o.Engine.WorkerListing(p, workerID)
	if err != nil {
		return nil, err
	}
	var list []domain.WorkRequest
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		list, err = o.Store.ListByWorker(ctx, workerID)
		return err
	})
	if err != nil {
		return nil, storeErr(err, "request")
	}
	return o.readable(p, list), nil
}

func (o *Orchestrator) readable(p domain.Principal, list []domain.WorkRequest) []domain.WorkRequest {
	out := make([]domain.WorkRequest, 0, len(list))
	for _, r := range list {
		if o.Engine.Read(p, r) == nil {
			out = append(out, r)
		}
	}
	return out
}

// History returns the audit events of a request the principal may read.
func (o *Orchestrator) History(ctx context.Context, p domain.Principal, id string) ([]domain.Event, error) {
	if _, err := o.GetByID(ctx, p, id); err != nil {
		return nil, err
	}
	var evts []domain.Event
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		evts, err = o.Store.RequestEvents(ctx, id)
		return err
	})
	return evts, storeErr(err, "request")
}

// Workers lists the worker directory.
func (o *Orchestrator) Workers(ctx context.Context) ([]domain.Profile, error) {
	var list []domain.Profile
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		list, err = o.Directory.ListProfiles(ctx, domain.RoleWorker)
		return err
	})
	return list, storeErr(err, "worker")
}

// Worker returns one worker profile.
func (o *Orchestrator) Worker(ctx context.Context, id string) (domain.Profile, error) {
	var p domain.Profile
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		p, err = o.Directory.GetProfile(ctx, id)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) || (err == nil && p.Role != domain.RoleWorker) {
		return domain.Profile{}, apperr.New(apperr.NotFound, "worker not found")
	}
	return p, storeErr(err, "worker")
}
