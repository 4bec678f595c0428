package persistence_test

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/grail/internal/persistence"
)

func TestCronJobs_DueAndRecordRun(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	for _, j := range []persistence.CronJob{
		{ID: "cron_due", Name: "due", Enabled: true, Mode: persistence.CronModeAgent, ScheduleKind: persistence.ScheduleEvery, EverySeconds: 60, WorkspaceID: "w", ChannelID: "c", PromptText: "report", NextRunAt: &past},
		{ID: "cron_later", Name: "later", Enabled: true, Mode: persistence.CronModeAgent, ScheduleKind: persistence.ScheduleEvery, EverySeconds: 60, WorkspaceID: "w", ChannelID: "c", PromptText: "report", NextRunAt: &future},
	} {
		if err := store.InsertCronJob(ctx, j); err != nil {
			t.Fatalf("insert %s: %v", j.ID, err)
		}
	}

	due, err := store.DueCronJobs(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "cron_due" || due[0].EverySeconds != 60 {
		t.Fatalf("unexpected due jobs %+v", due)
	}

	next := time.Now().UTC().Add(time.Minute)
	if err := store.RecordCronRun(ctx, "cron_due", time.Now(), &next, "ok", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	job, err := store.GetCronJob(ctx, "cron_due")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !job.Enabled || job.LastRunAt == nil || job.LastStatus != "ok" || job.NextRunAt == nil || !job.NextRunAt.After(time.Now()) {
		t.Fatalf("unexpected job after run %+v", job)
	}
}

func TestCronJobs_OneShotDisabledAfterRun(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()
	at := time.Now().UTC().Add(-time.Second)
	job := persistence.CronJob{ID: "cron_at", Name: "once", Enabled: true, Mode: persistence.CronModeMessage, ScheduleKind: persistence.ScheduleAt, AtTS: at.Unix(), WorkspaceID: "w", ChannelID: "c", PromptText: "hello", NextRunAt: &at}
	if err := store.InsertCronJob(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.RecordCronRun(ctx, "cron_at", time.Now(), nil, "ok", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, _ := store.GetCronJob(ctx, "cron_at")
	if got.Enabled || got.NextRunAt != nil {
		t.Fatalf("expected one-shot disabled, got %+v", got)
	}
	due, _ := store.DueCronJobs(ctx, time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Fatalf("expected no due jobs, got %+v", due)
	}
}

func TestCronJobs_DuplicateIDRejected(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()
	j := persistence.CronJob{ID: "cron_dup", Name: "dup", Enabled: true, Mode: persistence.CronModeAgent, ScheduleKind: persistence.ScheduleEvery, EverySeconds: 60, WorkspaceID: "w", ChannelID: "c", PromptText: "p"}
	if err := store.InsertCronJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertCronJob(ctx, j); !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("duplicate insert err = %v, want ErrDuplicate", err)
	}
}
