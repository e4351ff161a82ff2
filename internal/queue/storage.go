package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs       = []byte("jobs")
	bucketReady      = []byte("ready")
	bucketDelayed    = []byte("delayed")
	bucketDeadLetter = []byte("dead_letter")
	bucketDedupe     = []byte("dedupe")
)

// BoltStorage implements Queue interface using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketReady, bucketDelayed, bucketDeadLetter, bucketDedupe} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Enqueue adds a job to the queue
func (s *BoltStorage) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		// Reject jobs whose idempotency key was already accepted
		if job.IdempotencyKey != "" {
			dedupeBucket := tx.Bucket(bucketDedupe)
			if dedupeBucket.Get([]byte(job.IdempotencyKey)) != nil {
				return ErrDuplicateJob
			}
			if err := dedupeBucket.Put([]byte(job.IdempotencyKey), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to record idempotency key: %w", err)
			}
		}

		now := time.Now()
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now

		// Future RunAt holds the job in the delayed index until due
		if job.RunAt.After(now) {
			job.Status = StatusDelayed
		} else {
			job.Status = StatusReady
		}

		jobBucket := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := jobBucket.Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}

		if job.Status == StatusDelayed {
			delayedBucket := tx.Bucket(bucketDelayed)
			indexKey := makeIndexKey(job.RunAt, job.ID)
			if err := delayedBucket.Put(indexKey, []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to delayed index: %w", err)
			}
			return nil
		}

		// Ready jobs keep due-time ordering: a past RunAt sorts before
		// jobs enqueued for immediate dispatch
		indexTime := job.CreatedAt
		if !job.RunAt.IsZero() {
			indexTime = job.RunAt
		}
		readyBucket := tx.Bucket(bucketReady)
		indexKey := makeIndexKey(indexTime, job.ID)
		if err := readyBucket.Put(indexKey, []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}

		return nil
	})
}

// Dequeue gets the next due job for processing
func (s *BoltStorage) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		// First check delayed jobs that have become due
		delayedBucket := tx.Bucket(bucketDelayed)
		jobBucket := tx.Bucket(bucketJobs)

		c := delayedBucket.Cursor()
		now := time.Now()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			// Parse timestamp from key
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // All remaining are in the future
			}

			jobData := jobBucket.Get(v)
			if jobData == nil {
				// Job was deleted, clean up index
				c.Delete()
				continue
			}

			var j Job
			if err := json.Unmarshal(jobData, &j); err != nil {
				continue
			}

			j.Status = StatusProcessing
			j.UpdatedAt = now

			data, err := json.Marshal(&j)
			if err != nil {
				return err
			}

			if err := jobBucket.Put([]byte(j.ID), data); err != nil {
				return err
			}

			// Remove from delayed index
			if err := c.Delete(); err != nil {
				return err
			}

			job = &j
			return nil
		}

		// If no delayed jobs are due, check ready
		readyBucket := tx.Bucket(bucketReady)
		c = readyBucket.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			jobData := jobBucket.Get(v)
			if jobData == nil {
				c.Delete()
				continue
			}

			var j Job
			if err := json.Unmarshal(jobData, &j); err != nil {
				continue
			}

			j.Status = StatusProcessing
			j.UpdatedAt = now

			data, err := json.Marshal(&j)
			if err != nil {
				return err
			}

			if err := jobBucket.Put([]byte(j.ID), data); err != nil {
				return err
			}

			// Remove from ready index
			if err := c.Delete(); err != nil {
				return err
			}

			job = &j
			return nil
		}

		return nil
	})

	return job, err
}

// Update updates the job status
func (s *BoltStorage) Update(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)

		job.UpdatedAt = time.Now()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		if err := jobBucket.Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		// A retry re-enters the delayed index keyed by its retry time
		if job.Status == StatusDelayed {
			delayedBucket := tx.Bucket(bucketDelayed)
			indexKey := makeIndexKey(job.NextRetryAt, job.ID)
			if err := delayedBucket.Put(indexKey, []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to delayed index: %w", err)
			}
		}

		return nil
	})
}

// Get retrieves a job by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job

	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		data := jobBucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		job = &Job{}
		return json.Unmarshal(data, job)
	})

	return job, err
}

// List returns jobs with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := jobBucket.Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			if filter.Status != "" && j.Status != filter.Status {
				continue
			}
			if filter.Kind != "" && j.Kind != filter.Kind {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			jobs = append(jobs, &j)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return jobs, err
}

// Delete removes a job from the queue. The dedupe entry goes with it so the
// same idempotency key can be accepted again.
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)

		// Get job first to clean up indexes
		data := jobBucket.Get([]byte(id))
		if data != nil {
			var j Job
			if err := json.Unmarshal(data, &j); err == nil {
				readyBucket := tx.Bucket(bucketReady)
				readyBucket.Delete(makeIndexKey(j.CreatedAt, j.ID))
				readyBucket.Delete(makeIndexKey(j.RunAt, j.ID))

				delayedBucket := tx.Bucket(bucketDelayed)
				delayedBucket.Delete(makeIndexKey(j.RunAt, j.ID))
				delayedBucket.Delete(makeIndexKey(j.NextRetryAt, j.ID))

				if err := releaseDedupe(tx, &j); err != nil {
					return err
				}
			}
		}

		return jobBucket.Delete([]byte(id))
	})
}

// releaseDedupe frees the job's idempotency key when the job record is
// removed. Only the owning job may free the key; a retried duplicate must not
// unlock the original.
func releaseDedupe(tx *bolt.Tx, j *Job) error {
	if j.IdempotencyKey == "" {
		return nil
	}
	dedupeBucket := tx.Bucket(bucketDedupe)
	if string(dedupeBucket.Get([]byte(j.IdempotencyKey))) != j.ID {
		return nil
	}
	return dedupeBucket.Delete([]byte(j.IdempotencyKey))
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := jobBucket.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			stats.Total++
			switch j.Status {
			case StatusReady:
				stats.Ready++
			case StatusProcessing:
				stats.Processing++
			case StatusDone:
				stats.Done++
			case StatusFailed:
				stats.Failed++
			case StatusDelayed:
				stats.Delayed++
			}
		}

		return nil
	})

	return stats, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	// Format: timestamp (RFC3339Nano) + ":" + id
	return []byte(t.Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	// Find the separator
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}

// Dead Letter Queue methods

// MoveToDLQ moves a permanently failed job to the dead letter queue
func (s *BoltStorage) MoveToDLQ(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dlqBucket := tx.Bucket(bucketDeadLetter)
		jobBucket := tx.Bucket(bucketJobs)

		job.Status = StatusFailed
		job.UpdatedAt = time.Now()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		// Add to DLQ index with timestamp key for ordering
		indexKey := makeIndexKey(job.UpdatedAt, job.ID)
		if err := dlqBucket.Put(indexKey, []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}

		if err := jobBucket.Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		return nil
	})
}

// ListDLQ returns jobs in the dead letter queue
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		dlqBucket := tx.Bucket(bucketDeadLetter)
		jobBucket := tx.Bucket(bucketJobs)
		c := dlqBucket.Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			jobData := jobBucket.Get(v)
			if jobData == nil {
				continue
			}

			var j Job
			if err := json.Unmarshal(jobData, &j); err != nil {
				continue
			}

			jobs = append(jobs, &j)
			count++

			if limit > 0 && count >= limit {
				break
			}
		}

		return nil
	})

	return jobs, err
}

// RetryFromDLQ moves a job from DLQ back to the ready queue
func (s *BoltStorage) RetryFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dlqBucket := tx.Bucket(bucketDeadLetter)
		jobBucket := tx.Bucket(bucketJobs)
		readyBucket := tx.Bucket(bucketReady)

		data := jobBucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}

		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}

		// Remove from DLQ index
		c := dlqBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				if err := c.Delete(); err != nil {
					return err
				}
				break
			}
		}

		// Reset job status
		j.Status = StatusReady
		j.RetryCount = 0
		j.LastError = ""
		j.UpdatedAt = time.Now()

		newData, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		if err := jobBucket.Put([]byte(id), newData); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		indexKey := makeIndexKey(j.UpdatedAt, j.ID)
		if err := readyBucket.Put(indexKey, []byte(j.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}

		return nil
	})
}

// DeleteFromDLQ permanently deletes a job from the dead letter queue and
// releases its idempotency key so the batch can be enqueued fresh
func (s *BoltStorage) DeleteFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dlqBucket := tx.Bucket(bucketDeadLetter)
		jobBucket := tx.Bucket(bucketJobs)

		c := dlqBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				if err := c.Delete(); err != nil {
					return err
				}
				break
			}
		}

		if data := jobBucket.Get([]byte(id)); data != nil {
			var j Job
			if err := json.Unmarshal(data, &j); err == nil {
				if err := releaseDedupe(tx, &j); err != nil {
					return err
				}
			}
		}

		return jobBucket.Delete([]byte(id))
	})
}

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total    int64     `json:"total"`
	OldestAt time.Time `json:"oldest_at,omitempty"`
}

// GetDLQStats returns dead letter queue statistics
func (s *BoltStorage) GetDLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		dlqBucket := tx.Bucket(bucketDeadLetter)

		c := dlqBucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			stats.Total++
			if stats.Total == 1 {
				stats.OldestAt = parseTimestampFromKey(k)
			}
		}

		return nil
	})

	return stats, err
}

// CleanupDone removes completed jobs older than maxAge, along with their
// dedupe entries. Dedupe entries must outlive the job itself so retries of
// old sends are still rejected until retention expires.
func (s *BoltStorage) CleanupDone(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := jobBucket.Cursor()

		var toDelete []*Job

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			if j.Status == StatusDone && j.UpdatedAt.Before(cutoff) {
				jc := j
				toDelete = append(toDelete, &jc)
			}
		}

		for _, j := range toDelete {
			if err := jobBucket.Delete([]byte(j.ID)); err != nil {
				return err
			}
			if err := releaseDedupe(tx, j); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// CleanupDLQ removes DLQ jobs by age and enforces max count (FIFO)
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlqBucket := tx.Bucket(bucketDeadLetter)
		jobBucket := tx.Bucket(bucketJobs)

		type dlqItem struct {
			indexKey []byte
			jobID    []byte
		}

		var toDeleteByAge []dlqItem
		var allItems []dlqItem

		now := time.Now()
		cutoff := now.Add(-maxAge)

		c := dlqBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			item := dlqItem{
				indexKey: append([]byte{}, k...),
				jobID:    append([]byte{}, v...),
			}
			allItems = append(allItems, item)

			if maxAge > 0 {
				ts := parseTimestampFromKey(k)
				if ts.Before(cutoff) {
					toDeleteByAge = append(toDeleteByAge, item)
				}
			}
		}

		deleteItem := func(item dlqItem) error {
			if err := dlqBucket.Delete(item.indexKey); err != nil {
				return err
			}
			if data := jobBucket.Get(item.jobID); data != nil {
				var j Job
				if err := json.Unmarshal(data, &j); err == nil {
					if err := releaseDedupe(tx, &j); err != nil {
						return err
					}
				}
			}
			return jobBucket.Delete(item.jobID)
		}

		deletedKeys := make(map[string]bool)

		for _, item := range toDeleteByAge {
			if err := deleteItem(item); err != nil {
				return err
			}
			deletedKeys[string(item.indexKey)] = true
			deleted++
		}

		// Enforce max count, oldest first
		remainingCount := len(allItems) - len(toDeleteByAge)
		if maxCount > 0 && remainingCount > maxCount {
			toDeleteCount := remainingCount - maxCount
			deleteCount := 0

			for _, item := range allItems {
				if deletedKeys[string(item.indexKey)] {
					continue
				}
				if deleteCount >= toDeleteCount {
					break
				}

				if err := deleteItem(item); err != nil {
					return err
				}
				deleted++
				deleteCount++
			}
		}

		return nil
	})

	return deleted, err
}
