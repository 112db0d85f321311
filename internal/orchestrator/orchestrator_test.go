package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workdesk/internal/apperr"
	"workdesk/internal/db"
	"workdesk/internal/domain"
	"workdesk/internal/engine"
	"workdesk/internal/migrate"
	"workdesk/internal/orchestrator"
	"workdesk/internal/repo"
)

var (
	r1 = domain.Principal{ID: "r1", Role: domain.RoleUser}
	w1 = domain.Principal{ID: "w1", Role: domain.RoleWorker}
	p2 = domain.Principal{ID: "p2", Role: domain.RoleUser}
	a1 = domain.Principal{ID: "a1", Role: domain.RoleAdmin}
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	for _, p := range []domain.Profile{
		{ID: "r1", Name: "Ravi", Role: domain.RoleUser},
		{ID: "p2", Name: "Priya", Role: domain.RoleUser},
		{ID: "a1", Name: "Ada", Role: domain.RoleAdmin},
		{ID: "w1", Name: "Wren", Role: domain.RoleWorker, WorkType: "plumbing", Location: "Colombo", YearsExperience: 5},
	} {
		require.NoError(t, r.InsertProfile(ctx, p))
	}
	return r
}

func newOrchestrator(t *testing.T, store orchestrator.Store, dir orchestrator.Directory) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(engine.New(engine.DefaultPolicy()), store, dir)
	o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return o
}

func sinkRequest() engine.CreateInput {
	return engine.CreateInput{WorkerID: "w1", Title: "Fix sink", Description: "Leaking trap", Location: "Colombo"}
}

func TestScenarios(t *testing.T) {
	r := newRepo(t)
	o := newOrchestrator(t, r, r)
	ctx := context.Background()

	// 1: create targeting a valid worker.
	id, err := o.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)
	got, err := o.GetByID(ctx, r1, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.Messages)
	assert.Equal(t, "r1", got.RequesterID)

	// 2: worker accepts.
	updated, err := o.ChangeStatus(ctx, w1, id, domain.StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, updated.Status)
	stored, err := o.GetByID(ctx, w1, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, stored.Status)
	assert.Equal(t, updated.Version, stored.Version)

	// 3: requester cannot accept.
	_, err = o.ChangeStatus(ctx, r1, id, domain.StatusAccepted)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	// 4: requester cancels a fresh request.
	id2, err := o.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)
	cancelled, err := o.ChangeStatus(ctx, r1, id2, domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	// 5: unrelated principal cannot read.
	_, err = o.GetByID(ctx, p2, id)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	// 6: target is not a worker.
	in := sinkRequest()
	in.WorkerID = "p2"
	_, err = o.Create(ctx, r1, in)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	in.WorkerID = "ghost"
	_, err = o.Create(ctx, r1, in)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestRoundTripAndErrors(t *testing.T) {
	r := newRepo(t)
	o := newOrchestrator(t, r, r)
	ctx := context.Background()

	budget := 40.0
	in := sinkRequest()
	in.Budget = &budget
	id, err := o.Create(ctx, r1, in)
	require.NoError(t, err)
	got, err := o.GetByID(ctx, a1, id)
	require.NoError(t, err)
	assert.Equal(t, "Fix sink", got.Title)
	assert.Equal(t, "Leaking trap", got.Description)
	assert.Equal(t, "Colombo", got.Location)
	require.NotNil(t, got.Budget)
	assert.Equal(t, budget, *got.Budget)

	_, err = o.GetByID(ctx, r1, "missing")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	_, err = o.ChangeStatus(ctx, w1, id, "archived")
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
	_, err = o.AddMessage(ctx, p2, id, "hello")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
	_, err = o.AddMessage(ctx, r1, "missing", "hello")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestMessagesAppendOnlyAndUpdatedAtMonotonic(t *testing.T) {
	r := newRepo(t)
	o := newOrchestrator(t, r, r)
	frozen := time.Date(2024, 2, 2, 12, 0, 0, 0, time.UTC)
	o.Engine.Now = func() time.Time { return frozen }
	ctx := context.Background()

	id, err := o.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)
	prev, err := o.GetByID(ctx, r1, id)
	require.NoError(t, err)

	senders := []domain.Principal{r1, w1, r1, a1}
	for i, p := range senders {
		_, err := o.AddMessage(ctx, p, id, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
		cur, err := o.GetByID(ctx, r1, id)
		require.NoError(t, err)
		require.Len(t, cur.Messages, len(prev.Messages)+1)
		assert.Equal(t, prev.Messages, cur.Messages[:len(prev.Messages)])
		assert.True(t, cur.UpdatedAt.After(prev.UpdatedAt), "updated_at must strictly increase")
		prev = cur
	}
	_, err = o.ChangeStatus(ctx, w1, id, domain.StatusAccepted)
	require.NoError(t, err)
	cur, err := o.GetByID(ctx, r1, id)
	require.NoError(t, err)
	assert.True(t, cur.UpdatedAt.After(prev.UpdatedAt))
	assert.Equal(t, prev.Messages, cur.Messages)
	assert.False(t, cur.UpdatedAt.Before(cur.CreatedAt))

	evts, err := o.History(ctx, r1, id)
	require.NoError(t, err)
	assert.Len(t, evts, 1+len(senders)+1)
	_, err = o.History(ctx, p2, id)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestConcurrentMessagesAreAllKept(t *testing.T) {
	r := newRepo(t)
	o := newOrchestrator(t, r, r)
	ctx := context.Background()
	id, err := o.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range []domain.Principal{r1, w1} {
		wg.Add(1)
		go func(p domain.Principal) {
			defer wg.Done()
			_, err := o.AddMessage(ctx, p, id, "from "+p.ID)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()
	got, err := o.GetByID(ctx, r1, id)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	senders := []string{got.Messages[0].SenderID, got.Messages[1].SenderID}
	assert.ElementsMatch(t, []string{"r1", "w1"}, senders)
}

// racingStore lets another writer change the status between load and write.
type racingStore struct {
	orchestrator.Store
	once   sync.Once
	before func()
}

func (s *racingStore) UpdateStatus(ctx context.Context, c domain.StatusChange) error {
	s.once.Do(s.before)
	return s.Store.UpdateStatus(ctx, c)
}

func TestConcurrentStatusChangeConflicts(t *testing.T) {
	r := newRepo(t)
	base := newOrchestrator(t, r, r)
	ctx := context.Background()
	id, err := base.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)

	rs := &racingStore{Store: r}
	rs.before = func() {
		_, err := base.ChangeStatus(ctx, r1, id, domain.StatusCancelled)
		require.NoError(t, err)
	}
	o := newOrchestrator(t, rs, r)
	_, err = o.ChangeStatus(ctx, w1, id, domain.StatusAccepted)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	got, err := base.GetByID(ctx, r1, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

// flakyStore fails AppendMessage with a conflict a fixed number of times.
type flakyStore struct {
	orchestrator.Store
	failures int
	calls    int
}

func (s *flakyStore) AppendMessage(ctx context.Context, m domain.MessageAppend) error {
	s.calls++
	if s.calls <= s.failures {
		return fmt.Errorf("%w: database is locked", repo.ErrConflict)
	}
	return s.Store.AppendMessage(ctx, m)
}

func TestAddMessageRetriesConflicts(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := newOrchestrator(t, r, r)
	id, err := base.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)

	fs := &flakyStore{Store: r, failures: 2}
	o := newOrchestrator(t, fs, r)
	o.MaxRetries = 2
	_, err = o.AddMessage(ctx, w1, id, "eventually")
	require.NoError(t, err)
	assert.Equal(t, 3, fs.calls)

	fs = &flakyStore{Store: r, failures: 10}
	o = newOrchestrator(t, fs, r)
	o.MaxRetries = 1
	_, err = o.AddMessage(ctx, w1, id, "never")
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, 2, fs.calls)
}

type slowDirectory struct{}

func (slowDirectory) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	<-ctx.Done()
	return domain.Profile{}, ctx.Err()
}

func (slowDirectory) ListProfiles(ctx context.Context, role domain.Role) ([]domain.Profile, error) {
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestDirectoryOutageIsUnavailable(t *testing.T) {
	r := newRepo(t)
	o := newOrchestrator(t, r, slowDirectory{})
	o.Timeout = 10 * time.Millisecond
	ctx := context.Background()

	_, err := o.Create(ctx, r1, sinkRequest())
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))
	_, err = o.Workers(ctx)
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))
}

// corruptStore reports rows that cannot be decoded.
type corruptStore struct {
	orchestrator.Store
}

func (corruptStore) GetRequest(ctx context.Context, id string) (domain.WorkRequest, error) {
	return domain.WorkRequest{}, errors.New(`parse updated_at: parsing time "yesterday"`)
}

func TestCorruptRecordIsInternal(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := newOrchestrator(t, r, r)
	id, err := base.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)

	o := newOrchestrator(t, corruptStore{Store: r}, r)
	_, err = o.GetByID(ctx, r1, id)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
	assert.False(t, apperr.KindOf(err).Retryable())
	assert.Equal(t, "internal error", apperr.PublicMessage(err))

	_, err = o.AddMessage(ctx, r1, id, "hello")
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}

func TestChangeStatusReturnsStoredRecord(t *testing.T) {
	r := newRepo(t)
	base := newOrchestrator(t, r, r)
	ctx := context.Background()
	id, err := base.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)

	rs := &racingStore{Store: r}
	rs.before = func() {
		_, err := base.AddMessage(ctx, r1, id, "are you coming?")
		require.NoError(t, err)
	}
	o := newOrchestrator(t, rs, r)
	updated, err := o.ChangeStatus(ctx, w1, id, domain.StatusAccepted)
	require.NoError(t, err)

	stored, err := base.GetByID(ctx, r1, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, updated.Status)
	require.Len(t, updated.Messages, 1)
	assert.Equal(t, "are you coming?", updated.Messages[0].Content)
	assert.Equal(t, stored.Version, updated.Version)
	assert.True(t, stored.UpdatedAt.Equal(updated.UpdatedAt))
}

func TestWorkerListingsAndDirectory(t *testing.T) {
	r := newRepo(t)
	o := newOrchestrator(t, r, r)
	ctx := context.Background()
	_, err := o.Create(ctx, r1, sinkRequest())
	require.NoError(t, err)
	_, err = o.Create(ctx, p2, sinkRequest())
	require.NoError(t, err)

	mine, err := o.ListMine(ctx, r1)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	forW1, err := o.ListForWorker(ctx, w1, "")
	require.NoError(t, err)
	require.Len(t, forW1, 2)
	assert.False(t, forW1[0].CreatedAt.Before(forW1[1].CreatedAt))

	_, err = o.ListForWorker(ctx, r1, "w1")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
	viaAdmin, err := o.ListForWorker(ctx, a1, "w1")
	require.NoError(t, err)
	assert.Len(t, viaAdmin, 2)

	workers, err := o.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "plumbing", workers[0].WorkType)
	_, err = o.Worker(ctx, "r1")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}
