package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ds1/outreach/internal/models"
)

var bucketQuotas = []byte("send_quotas")

// LimitConfig contains per-channel quota values. A zero value disables that
// window.
type LimitConfig struct {
	SendsPerHour int `yaml:"sends_per_hour" json:"sends_per_hour"`
	SendsPerDay  int `yaml:"sends_per_day" json:"sends_per_day"`
}

// Config maps channels to their quota configuration
type Config struct {
	Channels map[models.ChannelType]*LimitConfig

	// Persistence settings
	FlushInterval time.Duration
}

// Counter tracks quota consumption within the current windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter enforces hourly and daily send quotas per channel. Counters
// survive restarts through periodic persistence.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter // channel key -> counter
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewLimiter creates a send quota limiter backed by the given database
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Result contains the quota check result
type Result struct {
	Allowed    bool
	DeniedKey  string
	RetryAfter time.Duration
}

// Allow checks the channel's quota and consumes one send if allowed
func (l *Limiter) Allow(ctx context.Context, channel models.ChannelType) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(channel)
	if limit == nil {
		return &Result{Allowed: true}, nil
	}

	now := time.Now()
	key := string(channel)
	counter := l.getOrCreateCounter(key, now)
	l.resetExpiredCounters(counter, now)

	if limit.SendsPerHour > 0 && counter.HourlyCount >= limit.SendsPerHour {
		return &Result{
			Allowed:    false,
			DeniedKey:  key + ":hourly",
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}, nil
	}

	if limit.SendsPerDay > 0 && counter.DailyCount >= limit.SendsPerDay {
		return &Result{
			Allowed:    false,
			DeniedKey:  key + ":daily",
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}, nil
	}

	counter.HourlyCount++
	counter.DailyCount++

	return &Result{Allowed: true}, nil
}

// Check reports whether a send would be allowed without consuming quota
func (l *Limiter) Check(ctx context.Context, channel models.ChannelType) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := l.limitFor(channel)
	if limit == nil {
		return &Result{Allowed: true}, nil
	}

	counter, exists := l.counters[string(channel)]
	if !exists {
		return &Result{Allowed: true}, nil
	}

	now := time.Now()
	hourlyCount := counter.HourlyCount
	dailyCount := counter.DailyCount

	if now.Sub(counter.HourStart) >= time.Hour {
		hourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		dailyCount = 0
	}

	if limit.SendsPerHour > 0 && hourlyCount >= limit.SendsPerHour {
		return &Result{
			Allowed:    false,
			DeniedKey:  string(channel) + ":hourly",
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}, nil
	}

	if limit.SendsPerDay > 0 && dailyCount >= limit.SendsPerDay {
		return &Result{
			Allowed:    false,
			DeniedKey:  string(channel) + ":daily",
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}, nil
	}

	return &Result{Allowed: true}, nil
}

// Stats contains quota statistics for a channel
type Stats struct {
	Channel     models.ChannelType
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

// GetStats returns the current quota consumption for a channel
func (l *Limiter) GetStats(ctx context.Context, channel models.ChannelType) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counter, exists := l.counters[string(channel)]
	if !exists {
		return &Stats{Channel: channel}, nil
	}

	now := time.Now()
	stats := &Stats{
		Channel:     channel,
		HourlyCount: counter.HourlyCount,
		DailyCount:  counter.DailyCount,
		HourStart:   counter.HourStart,
		DayStart:    counter.DayStart,
	}

	if now.Sub(counter.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}

	return stats, nil
}

// Stop stops the limiter and persists counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	return l.persistCounters()
}

func (l *Limiter) limitFor(channel models.ChannelType) *LimitConfig {
	if l.config.Channels == nil {
		return nil
	}
	return l.config.Channels[channel]
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

func (l *Limiter) resetExpiredCounters(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		if bucket == nil {
			return nil
		}

		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}
