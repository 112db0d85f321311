package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"workdesk/internal/db"
	"workdesk/internal/domain"
	"workdesk/internal/events"
)

// Repo is the SQLite-backed record store and worker directory.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write that lost a race and may be retried after a reload.
	ErrConflict = errors.New("conflict")
)

const requestColumns = `id,requester_id,worker_id,title,description,location,budget,deadline,status,version,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (domain.WorkRequest, error) {
	var r domain.WorkRequest
	var budget sql.NullFloat64
	var deadline sql.NullString
	var status, createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.RequesterID, &r.WorkerID, &r.Title, &r.Description, &r.Location,
		&budget, &deadline, &status, &r.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Status = domain.Status(status)
	if budget.Valid {
		b := budget.Float64
		r.Budget = &b
	}
	if deadline.Valid {
		d, err := db.ParseTime(deadline.String)
		if err != nil {
			return r, fmt.Errorf("parse deadline: %w", err)
		}
		r.Deadline = &d
	}
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return r, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return r, fmt.Errorf("parse updated_at: %w", err)
	}
	r.Messages = []domain.Message{}
	return r, nil
}

// CreateRequest inserts r and returns its id. An empty r.ID is assigned here.
func (r Repo) CreateRequest(ctx context.Context, req domain.WorkRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", classify(err)
	}
	defer tx.Rollback()

	var deadline any
	if req.Deadline != nil {
		deadline = db.FormatTime(*req.Deadline)
	}
	var budget any
	if req.Budget != nil {
		budget = *req.Budget
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.RequesterID, req.WorkerID, req.Title, req.Description, req.Location, budget, deadline,
		string(req.Status), req.Version, db.FormatTime(req.CreatedAt), db.FormatTime(req.UpdatedAt)); err != nil {
		return "", classify(fmt.Errorf("insert work request: %w", err))
	}
	if err := r.Events.Append(ctx, tx, events.RequestCreated, req.ID, req.RequesterID, events.EventPayload{
		"worker_id": req.WorkerID,
		"status":    req.Status,
	}); err != nil {
		return "", classify(err)
	}
	if err := tx.Commit(); err != nil {
		return "", classify(err)
	}
	return req.ID, nil
}

// GetRequest loads a request with its messages in insertion order.
func (r Repo) GetRequest(ctx context.Context, id string) (domain.WorkRequest, error) {
	req, err := scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM work_requests WHERE id=?`, id))
	if err != nil {
		return req, classify(err)
	}
	msgs, err := r.messagesFor(ctx, `WHERE request_id=?`, id)
	if err != nil {
		return req, err
	}
	if m, ok := msgs[id]; ok {
		req.Messages = m
	}
	return req, nil
}

// UpdateStatus applies c only if the stored version still equals c.ExpectedVersion.
func (r Repo) UpdateStatus(ctx context.Context, c domain.StatusChange) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE work_requests SET status=?, version=version+1, updated_at=max(updated_at, ?) WHERE id=? AND version=?`,
		string(c.To), db.FormatTime(c.UpdatedAt), c.RequestID, c.ExpectedVersion)
	if err != nil {
		return classify(fmt.Errorf("update status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_requests WHERE id=?`, c.RequestID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return classify(err)
		}
		return ErrConflict
	}
	if err := r.Events.Append(ctx, tx, events.RequestStatusChanged, c.RequestID, c.ActorID, events.EventPayload{
		"from": c.From,
		"to":   c.To,
	}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// AppendMessage adds one message without rewriting the existing thread.
func (r Repo) AppendMessage(ctx context.Context, m domain.MessageAppend) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE work_requests SET updated_at=max(updated_at, ?) WHERE id=?`,
		db.FormatTime(m.UpdatedAt), m.RequestID)
	if err != nil {
		return classify(fmt.Errorf("touch request: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO request_messages(request_id,seq,sender_id,content,ts)
SELECT ?, COALESCE(MAX(seq),0)+1, ?, ?, ? FROM request_messages WHERE request_id=?`,
		m.RequestID, m.Message.SenderID, m.Message.Content, db.FormatTime(m.Message.Timestamp), m.RequestID); err != nil {
		return classify(fmt.Errorf("insert message: %w", err))
	}
	if err := r.Events.Append(ctx, tx, events.RequestMessageAdded, m.RequestID, m.Message.SenderID, events.EventPayload{
		"length": len(m.Message.Content),
	}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// ListByRequester returns the requester's requests, newest first.
func (r Repo) ListByRequester(ctx context.Context, requesterID string) ([]domain.WorkRequest, error) {
	return r.listBy(ctx, "requester_id", requesterID)
}

// ListByWorker returns the worker's requests, newest first.
func (r Repo) ListByWorker(ctx context.Context, workerID string) ([]domain.WorkRequest, error) {
	return r.listBy(ctx, "worker_id", workerID)
}

func (r Repo) listBy(ctx context.Context, column, value string) ([]domain.WorkRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM work_requests WHERE `+column+`=? ORDER BY created_at DESC, id DESC`, value)
	if err != nil {
		return nil, classify(err)
	}
	res := []domain.WorkRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify(err)
	}
	// Close before the next query; the pool holds a single connection.
	rows.Close()
	if len(res) == 0 {
		return res, nil
	}
	msgs, err := r.messagesFor(ctx, `WHERE request_id IN (SELECT id FROM work_requests WHERE `+column+`=?)`, value)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if m, ok := msgs[res[i].ID]; ok {
			res[i].Messages = m
		}
	}
	return res, nil
}

func (r Repo) messagesFor(ctx context.Context, where string, args ...any) (map[string][]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT request_id,sender_id,content,ts FROM request_messages `+where+` ORDER BY request_id, seq`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := map[string][]domain.Message{}
	for rows.Next() {
		var reqID, ts string
		var m domain.Message
		if err := rows.Scan(&reqID, &m.SenderID, &m.Content, &ts); err != nil {
			return nil, err
		}
		if m.Timestamp, err = db.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("parse message ts: %w", err)
		}
		out[reqID] = append(out[reqID], m)
	}
	return out, classify(rows.Err())
}

// RequestEvents returns the audit trail of a request, oldest first.
func (r Repo) RequestEvents(ctx context.Context, requestID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,request_id,actor_id,payload_json FROM events WHERE request_id=? ORDER BY id`, requestID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = db.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		res = append(res, e)
	}
	return res, classify(rows.Err())
}

// classify maps SQLite lock contention to ErrConflict so callers can retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
