// Package pgstore keeps work requests as documents in PostgreSQL. Messages live
// in a jsonb array on the request row and are appended in place.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workdesk/internal/domain"
	"workdesk/internal/events"
	"workdesk/internal/repo"
)

const Schema = `
CREATE TABLE IF NOT EXISTS work_requests (
    id           UUID PRIMARY KEY,
    requester_id TEXT NOT NULL,
    worker_id    TEXT NOT NULL,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL,
    location     TEXT NOT NULL,
    budget       DOUBLE PRECISION,
    deadline     TIMESTAMPTZ,
    status       TEXT NOT NULL,
    version      BIGINT NOT NULL DEFAULT 1,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    messages     JSONB NOT NULL DEFAULT '[]'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_work_requests_requester ON work_requests(requester_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_work_requests_worker ON work_requests(worker_id, created_at DESC);
CREATE TABLE IF NOT EXISTS events (
    id         BIGSERIAL PRIMARY KEY,
    ts         TIMESTAMPTZ NOT NULL,
    type       TEXT NOT NULL,
    request_id TEXT NOT NULL,
    actor_id   TEXT NOT NULL,
    payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id, id);
`

// Store is the PostgreSQL record store.
type Store struct {
	db  *pgxpool.Pool
	Now func() time.Time
}

// New creates a Store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, Now: time.Now}
}

// Connect opens a pool for url and verifies it answers.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return classify(err)
}

const requestColumns = `id::text,requester_id,worker_id,title,description,location,budget,deadline,status,version,created_at,updated_at,messages`

func scanRequest(row pgx.Row) (domain.WorkRequest, error) {
	var r domain.WorkRequest
	var status string
	err := row.Scan(&r.ID, &r.RequesterID, &r.WorkerID, &r.Title, &r.Description, &r.Location,
		&r.Budget, &r.Deadline, &status, &r.Version, &r.CreatedAt, &r.UpdatedAt, &r.Messages)
	if err != nil {
		return r, classify(err)
	}
	r.Status = domain.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.Deadline != nil {
		d := r.Deadline.UTC()
		r.Deadline = &d
	}
	if r.Messages == nil {
		r.Messages = []domain.Message{}
	}
	for i := range r.Messages {
		r.Messages[i].Timestamp = r.Messages[i].Timestamp.UTC()
	}
	return r, nil
}

func (s *Store) appendEvent(ctx context.Context, tx pgx.Tx, evtType, requestID, actorID string, payload events.EventPayload) error {
	if payload == nil {
		payload = events.EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	_, err = tx.Exec(ctx, `INSERT INTO events(ts,type,request_id,actor_id,payload) VALUES ($1,$2,$3,$4,$5::jsonb)`,
		now().UTC(), evtType, requestID, actorID, string(data))
	return err
}

// CreateRequest inserts req and returns its id.
func (s *Store) CreateRequest(ctx context.Context, req domain.WorkRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	msgs := req.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", classify(err)
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx, `INSERT INTO work_requests(id,requester_id,worker_id,title,description,location,budget,deadline,status,version,created_at,updated_at,messages)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		req.ID, req.RequesterID, req.WorkerID, req.Title, req.Description, req.Location, req.Budget, req.Deadline,
		string(req.Status), req.Version, req.CreatedAt, req.UpdatedAt, msgs)
	if err != nil {
		return "", classify(fmt.Errorf("insert work request: %w", err))
	}
	if err := s.appendEvent(ctx, tx, events.RequestCreated, req.ID, req.RequesterID, events.EventPayload{
		"worker_id": req.WorkerID,
		"status":    req.Status,
	}); err != nil {
		return "", classify(err)
	}
	return req.ID, classify(tx.Commit(ctx))
}

// GetRequest loads one request.
func (s *Store) GetRequest(ctx context.Context, id string) (domain.WorkRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.WorkRequest{}, repo.ErrNotFound
	}
	return scanRequest(s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM work_requests WHERE id=$1`, id))
}

// UpdateStatus applies c if the row still carries c.ExpectedVersion.
func (s *Store) UpdateStatus(ctx context.Context, c domain.StatusChange) error {
	if _, err := uuid.Parse(c.RequestID); err != nil {
		return repo.ErrNotFound
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `UPDATE work_requests SET status=$1, version=version+1, updated_at=GREATEST(updated_at,$2) WHERE id=$3 AND version=$4`,
		string(c.To), c.UpdatedAt, c.RequestID, c.ExpectedVersion)
	if err != nil {
		return classify(fmt.Errorf("update status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM work_requests WHERE id=$1)`, c.RequestID).Scan(&exists); err != nil {
			return classify(err)
		}
		if !exists {
			return repo.ErrNotFound
		}
		return repo.ErrConflict
	}
	if err := s.appendEvent(ctx, tx, events.RequestStatusChanged, c.RequestID, c.ActorID, events.EventPayload{
		"from": c.From,
		"to":   c.To,
	}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// AppendMessage appends to the jsonb thread in a single statement.
func (s *Store) AppendMessage(ctx context.Context, m domain.MessageAppend) error {
	if _, err := uuid.Parse(m.RequestID); err != nil {
		return repo.ErrNotFound
	}
	one, err := json.Marshal([]domain.Message{m.Message})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `UPDATE work_requests SET messages = messages || $1::jsonb, updated_at=GREATEST(updated_at,$2) WHERE id=$3`,
		string(one), m.UpdatedAt, m.RequestID)
	if err != nil {
		return classify(fmt.Errorf("append message: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	if err := s.appendEvent(ctx, tx, events.RequestMessageAdded, m.RequestID, m.Message.SenderID, events.EventPayload{
		"length": len(m.Message.Content),
	}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// ListByRequester returns the requester's requests, newest first.
func (s *Store) ListByRequester(ctx context.Context, requesterID string) ([]domain.WorkRequest, error) {
	return s.listBy(ctx, "requester_id", requesterID)
}

// ListByWorker returns the worker's requests, newest first.
func (s *Store) ListByWorker(ctx context.Context, workerID string) ([]domain.WorkRequest, error) {
	return s.listBy(ctx, "worker_id", workerID)
}

func (s *Store) listBy(ctx context.Context, column, value string) ([]domain.WorkRequest, error) {
	rows, err := s.db.Query(ctx, `SELECT `+requestColumns+` FROM work_requests WHERE `+column+`=$1 ORDER BY created_at DESC, id DESC`, value)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []domain.WorkRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, classify(rows.Err())
}

// RequestEvents returns the audit trail of a request, oldest first.
func (s *Store) RequestEvents(ctx context.Context, requestID string) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx, `SELECT id,ts,type,request_id,actor_id,payload::text FROM events WHERE request_id=$1 ORDER BY id`, requestID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, classify(err)
		}
		e.TS = e.TS.UTC()
		res = append(res, e)
	}
	return res, classify(rows.Err())
}

// classify maps serialization failures and deadlocks to repo.ErrConflict and
// missing rows to repo.ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repo.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", repo.ErrConflict, err)
		}
	}
	return err
}
