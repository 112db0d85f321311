package app

import (
	"context"
	"testing"
	"time"

	"workdesk/internal/config"
	"workdesk/internal/domain"
	"workdesk/internal/engine"
)

func TestOpenWiresPolicyAndStore(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.AllowSelfRequests = true
	cfg.Store.Timeout = 2 * time.Second
	cfg.Store.MaxRetries = 7
	a, err := Open(context.Background(), t.TempDir(), cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	o := a.Orchestrator
	if !o.Engine.Policy.AllowSelfRequests || !o.Engine.Policy.LockTerminalStatus {
		t.Fatalf("policy not wired: %+v", o.Engine.Policy)
	}
	if o.Timeout != 2*time.Second || o.MaxRetries != 7 {
		t.Fatalf("store settings not wired: %v %d", o.Timeout, o.MaxRetries)
	}

	ctx := context.Background()
	w := domain.Profile{ID: "w1", Name: "Wren", Role: domain.RoleWorker, WorkType: "carpentry", Location: "Jaffna", YearsExperience: 2}
	if err := a.Repo.InsertProfile(ctx, w); err != nil {
		t.Fatalf("insert profile: %v", err)
	}
	self := domain.Principal{ID: "w1", Role: domain.RoleWorker}
	if _, err := o.Create(ctx, self, engine.CreateInput{WorkerID: "w1", Title: "t", Description: "d", Location: "l"}); err != nil {
		t.Fatalf("self request should be allowed: %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "mysql"
	if _, err := Open(context.Background(), t.TempDir(), cfg, nil); err == nil {
		t.Fatalf("expected invalid driver to fail")
	}
}
