package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	tmpDir := t.TempDir()
	storage, err := NewBoltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestBoltStorage(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	// Test Enqueue
	job := &Job{
		ID:         "test-id-1",
		Kind:       KindSendStep,
		CampaignID: "camp-1",
		Contacts:   []JobContact{{EnrollmentID: "enr-1", ContactID: "contact-1"}},
		StepIndex:  1,
		Channel:    "message",
	}

	if err := storage.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Test Get
	got, err := storage.Get(ctx, "test-id-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.ID != job.ID {
		t.Errorf("Get().ID = %v, want %v", got.ID, job.ID)
	}
	if got.Status != StatusReady {
		t.Errorf("Get().Status = %v, want %v", got.Status, StatusReady)
	}

	// Test Get nonexistent
	notFound, err := storage.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if notFound != nil {
		t.Error("Get() expected nil for nonexistent job")
	}

	// Test Dequeue
	dequeued, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if dequeued == nil {
		t.Fatal("Dequeue() returned nil")
	}
	if dequeued.ID != job.ID {
		t.Errorf("Dequeue().ID = %v, want %v", dequeued.ID, job.ID)
	}
	if dequeued.Status != StatusProcessing {
		t.Errorf("Dequeue().Status = %v, want %v", dequeued.Status, StatusProcessing)
	}

	// Test Dequeue empty queue
	empty, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if empty != nil {
		t.Error("Dequeue() expected nil for empty queue")
	}

	// Test Update
	dequeued.Status = StatusDone
	if err := storage.Update(ctx, dequeued); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	updated, _ := storage.Get(ctx, dequeued.ID)
	if updated.Status != StatusDone {
		t.Errorf("Updated status = %v, want %v", updated.Status, StatusDone)
	}

	// Test Stats
	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Stats().Total = %v, want 1", stats.Total)
	}
	if stats.Done != 1 {
		t.Errorf("Stats().Done = %v, want 1", stats.Done)
	}

	// Test Delete
	if err := storage.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	deleted, _ := storage.Get(ctx, job.ID)
	if deleted != nil {
		t.Error("Delete() job still exists")
	}
}

func TestEnqueueAssignsID(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := &Job{Kind: KindSendStep, CampaignID: "camp-1"}
	if err := storage.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if job.ID == "" {
		t.Fatal("Enqueue() did not assign an ID")
	}

	got, err := storage.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.CampaignID != "camp-1" {
		t.Fatalf("Get() = %+v", got)
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job1 := &Job{
		ID:             "job-1",
		Kind:           KindSendStep,
		IdempotencyKey: "camp-1:2:contact-1",
	}
	if err := storage.Enqueue(ctx, job1); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Same logical send under a different job ID is rejected
	job2 := &Job{
		ID:             "job-2",
		Kind:           KindSendStep,
		IdempotencyKey: "camp-1:2:contact-1",
	}
	err := storage.Enqueue(ctx, job2)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Enqueue() error = %v, want ErrDuplicateJob", err)
	}

	stats, _ := storage.Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("Stats().Total = %v, want 1", stats.Total)
	}

	// Different key is accepted
	job3 := &Job{
		ID:             "job-3",
		Kind:           KindSendStep,
		IdempotencyKey: "camp-1:3:contact-1",
	}
	if err := storage.Enqueue(ctx, job3); err != nil {
		t.Errorf("Enqueue() error = %v", err)
	}
}

func TestDelayedJob(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	// Job due in the future is not dequeued
	future := &Job{
		ID:    "future-job",
		Kind:  KindSendStep,
		RunAt: time.Now().Add(time.Hour),
	}
	if err := storage.Enqueue(ctx, future); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != nil {
		t.Errorf("Dequeue() returned job due in the future: %v", got.ID)
	}

	stored, _ := storage.Get(ctx, "future-job")
	if stored.Status != StatusDelayed {
		t.Errorf("Status = %v, want %v", stored.Status, StatusDelayed)
	}

	// Job due in the past is dequeued immediately
	due := &Job{
		ID:    "due-job",
		Kind:  KindSendStep,
		RunAt: time.Now().Add(-time.Minute),
	}
	if err := storage.Enqueue(ctx, due); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err = storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got == nil || got.ID != "due-job" {
		t.Fatalf("Dequeue() = %v, want due-job", got)
	}
}

func TestDelayedOrdering(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	for i, offset := range []time.Duration{-3 * time.Minute, -time.Minute, -2 * time.Minute} {
		job := &Job{
			ID:    fmt.Sprintf("job-%d", i),
			Kind:  KindSendStep,
			RunAt: now.Add(offset),
		}
		if err := storage.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// Due jobs come out oldest RunAt first
	want := []string{"job-0", "job-2", "job-1"}
	for _, id := range want {
		got, err := storage.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got == nil || got.ID != id {
			t.Fatalf("Dequeue() = %v, want %v", got, id)
		}
	}
}

func TestRetryRequeue(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := &Job{ID: "retry-job", Kind: KindSendStep}
	if err := storage.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	dequeued, _ := storage.Dequeue(ctx)
	if dequeued == nil {
		t.Fatal("Dequeue() returned nil")
	}

	// Simulate a transient failure scheduling a retry in the past so the
	// next dequeue picks it up
	dequeued.Status = StatusDelayed
	dequeued.RetryCount = 1
	dequeued.LastError = "provider timeout"
	dequeued.NextRetryAt = time.Now().Add(-time.Second)
	if err := storage.Update(ctx, dequeued); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	again, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if again == nil || again.ID != "retry-job" {
		t.Fatalf("Dequeue() = %v, want retry-job", again)
	}
	if again.RetryCount != 1 {
		t.Errorf("RetryCount = %v, want 1", again.RetryCount)
	}
}

func TestDLQ(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := &Job{ID: "dead-job", Kind: KindSendStep, RetryCount: 3, LastError: "permanent failure"}
	if err := storage.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	dequeued, _ := storage.Dequeue(ctx)

	if err := storage.MoveToDLQ(ctx, dequeued); err != nil {
		t.Fatalf("MoveToDLQ() error = %v", err)
	}

	dlq, err := storage.ListDLQ(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDLQ() error = %v", err)
	}
	if len(dlq) != 1 || dlq[0].ID != "dead-job" {
		t.Fatalf("ListDLQ() = %v, want dead-job", dlq)
	}
	if dlq[0].Status != StatusFailed {
		t.Errorf("DLQ job status = %v, want %v", dlq[0].Status, StatusFailed)
	}

	dlqStats, err := storage.GetDLQStats(ctx)
	if err != nil {
		t.Fatalf("GetDLQStats() error = %v", err)
	}
	if dlqStats.Total != 1 {
		t.Errorf("GetDLQStats().Total = %v, want 1", dlqStats.Total)
	}

	// Retry resets counters and puts the job back on the ready queue
	if err := storage.RetryFromDLQ(ctx, "dead-job"); err != nil {
		t.Fatalf("RetryFromDLQ() error = %v", err)
	}

	retried, _ := storage.Dequeue(ctx)
	if retried == nil || retried.ID != "dead-job" {
		t.Fatalf("Dequeue() = %v, want dead-job", retried)
	}
	if retried.RetryCount != 0 {
		t.Errorf("RetryCount = %v, want 0", retried.RetryCount)
	}
	if retried.LastError != "" {
		t.Errorf("LastError = %q, want empty", retried.LastError)
	}

	dlq, _ = storage.ListDLQ(ctx, 10, 0)
	if len(dlq) != 0 {
		t.Errorf("ListDLQ() after retry = %d entries, want 0", len(dlq))
	}
}

func TestDeleteFromDLQ(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := &Job{ID: "gone-job", Kind: KindSendStep}
	storage.Enqueue(ctx, job)
	dequeued, _ := storage.Dequeue(ctx)
	storage.MoveToDLQ(ctx, dequeued)

	if err := storage.DeleteFromDLQ(ctx, "gone-job"); err != nil {
		t.Fatalf("DeleteFromDLQ() error = %v", err)
	}

	got, _ := storage.Get(ctx, "gone-job")
	if got != nil {
		t.Error("job still exists after DeleteFromDLQ")
	}
}

func TestDeleteReleasesIdempotencyKey(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := &Job{ID: "send-1", Kind: KindSendStep, IdempotencyKey: "send:camp-1:1:abc"}
	if err := storage.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := storage.Delete(ctx, "send-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The same logical send can be enqueued again after deletion
	again := &Job{ID: "send-2", Kind: KindSendStep, IdempotencyKey: "send:camp-1:1:abc"}
	if err := storage.Enqueue(ctx, again); err != nil {
		t.Errorf("Enqueue() after Delete() error = %v", err)
	}
}

func TestDeleteFromDLQReleasesIdempotencyKey(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := &Job{ID: "dead-1", Kind: KindSendStep, IdempotencyKey: "send:camp-1:2:abc"}
	storage.Enqueue(ctx, job)
	dequeued, _ := storage.Dequeue(ctx)
	storage.MoveToDLQ(ctx, dequeued)

	if err := storage.DeleteFromDLQ(ctx, "dead-1"); err != nil {
		t.Fatalf("DeleteFromDLQ() error = %v", err)
	}

	again := &Job{ID: "dead-1b", Kind: KindSendStep, IdempotencyKey: "send:camp-1:2:abc"}
	if err := storage.Enqueue(ctx, again); err != nil {
		t.Errorf("Enqueue() after DeleteFromDLQ() error = %v", err)
	}
}

func TestCleanupDone(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	old := &Job{ID: "old-done", Kind: KindSendStep, IdempotencyKey: "key-old"}
	storage.Enqueue(ctx, old)
	dequeued, _ := storage.Dequeue(ctx)
	dequeued.Status = StatusDone
	storage.Update(ctx, dequeued)

	// Not old enough yet
	deleted, err := storage.CleanupDone(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupDone() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("CleanupDone() = %v, want 0", deleted)
	}

	// Everything older than zero duration ago
	deleted, err = storage.CleanupDone(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("CleanupDone() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupDone() = %v, want 1", deleted)
	}

	// Dedupe entry was released with the job
	fresh := &Job{ID: "fresh", Kind: KindSendStep, IdempotencyKey: "key-old"}
	if err := storage.Enqueue(ctx, fresh); err != nil {
		t.Errorf("Enqueue() after cleanup error = %v", err)
	}
}

func TestCleanupDLQ(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := &Job{ID: fmt.Sprintf("dlq-%d", i), Kind: KindSendStep, IdempotencyKey: fmt.Sprintf("send:camp-1:%d:abc", i)}
		storage.Enqueue(ctx, job)
		dequeued, _ := storage.Dequeue(ctx)
		storage.MoveToDLQ(ctx, dequeued)
	}

	// Max count enforcement removes the oldest first
	deleted, err := storage.CleanupDLQ(ctx, 24*time.Hour, 2)
	if err != nil {
		t.Fatalf("CleanupDLQ() error = %v", err)
	}
	if deleted != 3 {
		t.Errorf("CleanupDLQ() = %v, want 3", deleted)
	}

	dlq, _ := storage.ListDLQ(ctx, 10, 0)
	if len(dlq) != 2 {
		t.Errorf("ListDLQ() = %d entries, want 2", len(dlq))
	}

	// Pruned dead letters release their idempotency keys
	again := &Job{ID: "dlq-0b", Kind: KindSendStep, IdempotencyKey: "send:camp-1:0:abc"}
	if err := storage.Enqueue(ctx, again); err != nil {
		t.Errorf("Enqueue() after CleanupDLQ() error = %v", err)
	}

	// Keys of surviving dead letters stay claimed
	kept := &Job{ID: "dlq-4b", Kind: KindSendStep, IdempotencyKey: "send:camp-1:4:abc"}
	if err := storage.Enqueue(ctx, kept); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Enqueue() for kept dead letter error = %v, want ErrDuplicateJob", err)
	}
}
