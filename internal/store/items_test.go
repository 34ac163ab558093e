package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
)

func TestSetItemDoneStampsStepWithStoreClock(t *testing.T) {
	store := newTestStore(t, "step-1")
	ctx := context.Background()

	if _, err := store.Put(ctx, &records.Step{DeploymentID: "d1", Type: records.StepTypeAPI, Name: "deploy"}); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	record, err := store.SetItemDone(ctx, records.CollectionSteps, "d1", "step-1", true)
	step := mustStep(t, record, err)
	if !step.IsDone {
		t.Fatalf("expected step marked done")
	}
	if !step.Datetime.Equal(testClockTime) {
		t.Fatalf("expected datetime %s from the store clock, got %s", testClockTime, step.Datetime)
	}
	if step.Version != 2 {
		t.Fatalf("expected version 2 after the edit, got %d", step.Version)
	}

	record, err = store.SetItemDone(ctx, records.CollectionSteps, "d1", "step-1", false)
	if mustStep(t, record, err).IsDone {
		t.Fatalf("expected step reopened")
	}
}

func TestSetItemDoneRejectsNotes(t *testing.T) {
	store := newTestStore(t, "note-1")
	ctx := context.Background()

	if _, err := store.Put(ctx, &records.Note{DeploymentID: "d1", Information: "hello"}); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if _, err := store.SetItemDone(ctx, records.CollectionInfo, "d1", "note-1", true); err == nil {
		t.Fatalf("expected notes to be rejected")
	}
}

func TestUpdateItemRejectsItemsOfOtherDeployments(t *testing.T) {
	store := newTestStore(t, "step-1")
	ctx := context.Background()

	if _, err := store.Put(ctx, &records.Step{DeploymentID: "d1", Type: records.StepTypeAPI, Name: "deploy"}); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	_, err := store.UpdateItem(ctx, records.CollectionSteps, "d2", "step-1", func(record records.Record) error {
		record.(*records.Step).Name = "hijacked"
		return nil
	})
	if !errors.Is(err, ErrWrongDeployment) {
		t.Fatalf("expected wrong deployment error, got %v", err)
	}

	record, err := store.Get(ctx, records.CollectionSteps, "step-1")
	step := mustStep(t, record, err)
	if step.Name != "deploy" || step.Version != 1 {
		t.Fatalf("expected step untouched, got %+v", step)
	}
}

func TestDeleteItemRemovesOnlyOwnedItems(t *testing.T) {
	store := newTestStore(t, "prereq-1")
	ctx := context.Background()

	if _, err := store.Put(ctx, &records.Prerequisite{DeploymentID: "d1", Type: records.StepTypeBackup, Name: "snapshot"}); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	if err := store.DeleteItem(ctx, records.CollectionPrerequisites, "d2", "prereq-1"); !errors.Is(err, ErrWrongDeployment) {
		t.Fatalf("expected wrong deployment error, got %v", err)
	}
	if _, err := store.Get(ctx, records.CollectionPrerequisites, "prereq-1"); err != nil {
		t.Fatalf("expected prerequisite kept, got %v", err)
	}

	notices, cancel := store.Subscribe(ctx, "d1")
	defer cancel()

	if err := store.DeleteItem(ctx, records.CollectionPrerequisites, "d1", "prereq-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := store.Get(ctx, records.CollectionPrerequisites, "prereq-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected prerequisite removed, got %v", err)
	}
	select {
	case <-notices:
	case <-time.After(time.Second):
		t.Fatalf("expected a change notice for the deletion")
	}

	if err := store.DeleteItem(ctx, records.CollectionPrerequisites, "d1", "prereq-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for a second delete, got %v", err)
	}
}
