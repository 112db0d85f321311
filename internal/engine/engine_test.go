package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workdesk/internal/apperr"
	"workdesk/internal/domain"
	"workdesk/internal/engine"
)

var (
	fixedNow  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	requester = domain.Principal{ID: "r1", Role: domain.RoleUser}
	worker    = domain.Principal{ID: "w1", Role: domain.RoleWorker}
	admin     = domain.Principal{ID: "a1", Role: domain.RoleAdmin}
	stranger  = domain.Principal{ID: "p2", Role: domain.RoleUser}
	otherWkr  = domain.Principal{ID: "w2", Role: domain.RoleWorker}
)

func newEngine() engine.Engine {
	e := engine.New(engine.DefaultPolicy())
	e.Now = func() time.Time { return fixedNow }
	return e
}

func workerProfile() domain.Profile {
	return domain.Profile{ID: "w1", Name: "Wren", Role: domain.RoleWorker}
}

func pendingRequest(t *testing.T, e engine.Engine) domain.WorkRequest {
	t.Helper()
	r, err := e.Create(requester, workerProfile(), engine.CreateInput{
		WorkerID:    "w1",
		Title:       "Fix sink",
		Description: "Kitchen sink leaks",
		Location:    "Colombo",
	})
	require.NoError(t, err)
	r.ID = "req-1"
	return r
}

func TestCreatePending(t *testing.T) {
	e := newEngine()
	budget := 120.5
	deadline := fixedNow.Add(72 * time.Hour)
	r, err := e.Create(requester, workerProfile(), engine.CreateInput{
		WorkerID:    "w1",
		Title:       " Fix sink ",
		Description: "Kitchen sink leaks",
		Location:    "Colombo",
		Budget:      &budget,
		Deadline:    &deadline,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, r.Status)
	assert.Equal(t, "r1", r.RequesterID)
	assert.Equal(t, "w1", r.WorkerID)
	assert.Equal(t, "Fix sink", r.Title)
	assert.Equal(t, &budget, r.Budget)
	assert.True(t, r.Deadline.Equal(deadline))
	assert.Empty(t, r.Messages)
	assert.NotNil(t, r.Messages)
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
}

func TestCreateValidation(t *testing.T) {
	e := newEngine()
	valid := engine.CreateInput{WorkerID: "w1", Title: "t", Description: "d", Location: "l"}

	cases := []struct {
		name   string
		p      domain.Principal
		prof   domain.Profile
		mutate func(*engine.CreateInput)
		kind   apperr.Kind
	}{
		{"missing title", requester, workerProfile(), func(in *engine.CreateInput) { in.Title = "  " }, apperr.InvalidInput},
		{"missing location", requester, workerProfile(), func(in *engine.CreateInput) { in.Location = "" }, apperr.InvalidInput},
		{"target not a worker", requester, domain.Profile{ID: "w1", Role: domain.RoleUser}, func(*engine.CreateInput) {}, apperr.InvalidInput},
		{"anonymous", domain.Principal{}, workerProfile(), func(*engine.CreateInput) {}, apperr.Forbidden},
		{"self request", worker, workerProfile(), func(*engine.CreateInput) {}, apperr.InvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			_, err := e.Create(tc.p, tc.prof, in)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestCreateSelfRequestAllowedByPolicy(t *testing.T) {
	e := newEngine()
	e.Policy.AllowSelfRequests = true
	_, err := e.Create(worker, workerProfile(), engine.CreateInput{WorkerID: "w1", Title: "t", Description: "d", Location: "l"})
	require.NoError(t, err)
}

func TestTransitionTable(t *testing.T) {
	e := newEngine()
	r := pendingRequest(t, e)
	targets := []domain.Status{domain.StatusAccepted, domain.StatusRejected, domain.StatusCompleted, domain.StatusCancelled}
	principals := []domain.Principal{requester, worker, admin, stranger, otherWkr}

	for _, p := range principals {
		for _, s := range targets {
			expectOK := (p.ID == r.WorkerID && s != domain.StatusCancelled) ||
				(p.ID == r.RequesterID && s == domain.StatusCancelled) ||
				p.Role == domain.RoleAdmin
			change, err := e.ChangeStatus(p, r, s)
			if expectOK {
				require.NoError(t, err, "%s -> %s", p.ID, s)
				assert.Equal(t, s, change.To)
				assert.Equal(t, domain.StatusPending, change.From)
				assert.Equal(t, r.Version, change.ExpectedVersion)
				assert.True(t, change.UpdatedAt.After(r.UpdatedAt))
			} else {
				require.Error(t, err, "%s -> %s", p.ID, s)
				assert.Equal(t, apperr.Forbidden, apperr.KindOf(err), "%s -> %s", p.ID, s)
			}
		}
	}
}

func TestChangeStatusRejectsUnknownTarget(t *testing.T) {
	e := newEngine()
	r := pendingRequest(t, e)
	for _, s := range []domain.Status{"", "pending", "archived"} {
		_, err := e.ChangeStatus(admin, r, s)
		assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err), "status %q", s)
	}
}

func TestTerminalStatusLocked(t *testing.T) {
	e := newEngine()
	r := pendingRequest(t, e)
	change, err := e.ChangeStatus(worker, r, domain.StatusCompleted)
	require.NoError(t, err)
	r = engine.Apply(r, change)
	assert.Equal(t, int64(2), r.Version)

	_, err = e.ChangeStatus(worker, r, domain.StatusAccepted)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	// Authorization is decided before the terminal check.
	_, err = e.ChangeStatus(stranger, r, domain.StatusAccepted)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	_, err = e.ChangeStatus(admin, r, domain.StatusAccepted)
	assert.NoError(t, err)

	e.Policy.LockTerminalStatus = false
	_, err = e.ChangeStatus(worker, r, domain.StatusAccepted)
	assert.NoError(t, err)
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	e := newEngine()
	r := pendingRequest(t, e)
	// The clock is frozen, so every mutation must still move forward.
	for i := 0; i < 3; i++ {
		m, err := e.AddMessage(requester, r, "hello")
		require.NoError(t, err)
		require.True(t, m.UpdatedAt.After(r.UpdatedAt))
		r.Messages = append(r.Messages, m.Message)
		r.UpdatedAt = m.UpdatedAt
	}
	change, err := e.ChangeStatus(worker, r, domain.StatusAccepted)
	require.NoError(t, err)
	assert.True(t, change.UpdatedAt.After(r.UpdatedAt))
	assert.False(t, change.UpdatedAt.Before(r.CreatedAt))
}

func TestAddMessage(t *testing.T) {
	e := newEngine()
	r := pendingRequest(t, e)

	for _, p := range []domain.Principal{requester, worker, admin} {
		m, err := e.AddMessage(p, r, "on my way")
		require.NoError(t, err)
		assert.Equal(t, p.ID, m.Message.SenderID)
		assert.Equal(t, "on my way", m.Message.Content)
		assert.Equal(t, m.UpdatedAt, m.Message.Timestamp)
	}

	_, err := e.AddMessage(stranger, r, "hi")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	_, err = e.AddMessage(worker, r, "   ")
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestReadPredicate(t *testing.T) {
	e := newEngine()
	r := pendingRequest(t, e)
	assert.NoError(t, e.Read(requester, r))
	assert.NoError(t, e.Read(worker, r))
	assert.NoError(t, e.Read(admin, r))
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(e.Read(stranger, r)))
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(e.Read(otherWkr, r)))
}

func TestWorkerListing(t *testing.T) {
	e := newEngine()

	id, err := e.WorkerListing(worker, "")
	require.NoError(t, err)
	assert.Equal(t, "w1", id)

	_, err = e.WorkerListing(worker, "w2")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	id, err = e.WorkerListing(admin, "w2")
	require.NoError(t, err)
	assert.Equal(t, "w2", id)

	_, err = e.WorkerListing(requester, "")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}
