package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateBudgets = []byte("rate_budgets")

// Limits contains rolling-window ceilings for one (account, provider) key.
// A zero ceiling means unlimited.
type Limits struct {
	PerHour int
	PerDay  int
}

// Result contains the outcome of a budget check
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // When denied: duration until at least one unit frees up
}

// Config contains limiter settings
type Config struct {
	// Resolve returns the ceilings for an account. Nil means unlimited.
	Resolve func(account string) *Limits

	// FlushInterval controls how often counters are persisted
	FlushInterval time.Duration
}

// window is a sliding-window counter. The effective count is the current
// window's count plus the previous window's count weighted by the overlap
// fraction, so a burst at a boundary cannot double throughput.
type window struct {
	Prev      int       `json:"prev"`
	Curr      int       `json:"curr"`
	CurrStart time.Time `json:"curr_start"`
	// FirstAt is when the current window first consumed. A unit taken at
	// FirstAt has fully slid out by FirstAt+size.
	FirstAt time.Time `json:"first_at,omitempty"`
}

// roll advances the window so CurrStart <= now < CurrStart+size
func (w *window) roll(now time.Time, size time.Duration) {
	if w.CurrStart.IsZero() {
		w.CurrStart = now
		return
	}
	elapsed := now.Sub(w.CurrStart)
	if elapsed < size {
		return
	}
	if elapsed < 2*size {
		w.Prev = w.Curr
	} else {
		w.Prev = 0
	}
	w.Curr = 0
	w.FirstAt = time.Time{}
	w.CurrStart = w.CurrStart.Add((elapsed / size) * size)
}

// consume adds cost units to the current window
func (w *window) consume(now time.Time, cost int) {
	if w.Curr == 0 {
		w.FirstAt = now
	}
	w.Curr += cost
}

// effective returns the decayed count at now
func (w *window) effective(now time.Time, size time.Duration) float64 {
	frac := 1.0 - float64(now.Sub(w.CurrStart))/float64(size)
	if frac < 0 {
		frac = 0
	}
	return float64(w.Curr) + float64(w.Prev)*frac
}

// retryAfter estimates how long until the effective count drops by need
// units. The previous window decays continuously; the current window only
// starts decaying once it rolls over. The estimate is never longer than
// one window past the current window's first consumption.
func (w *window) retryAfter(now time.Time, size time.Duration, need float64) time.Duration {
	remaining := w.CurrStart.Add(size).Sub(now)

	est := remaining
	switch {
	case w.Prev > 0:
		// Decay rate of the previous window is Prev/size per unit time
		d := time.Duration(need / float64(w.Prev) * float64(size))
		if d <= remaining {
			est = d
		} else if w.Curr > 0 {
			// Prev fully decayed at the roll; the rest must come from
			// Curr, which decays at Curr/size after it rolls over
			rest := need - (w.effective(now, size) - float64(w.Curr))
			est = remaining + time.Duration(rest/float64(w.Curr)*float64(size))
		}
	case w.Curr > 0:
		est = remaining + time.Duration(need/float64(w.Curr)*float64(size))
	}

	if !w.FirstAt.IsZero() {
		if bound := w.FirstAt.Add(size).Sub(now); bound < est {
			est = bound
		}
	}
	return est
}

// counter tracks hour and day windows for one key
type counter struct {
	Hour window `json:"hour"`
	Day  window `json:"day"`
}

// Limiter tracks send budgets per (account, provider) pair. TryConsume is
// atomic with respect to concurrent callers: the check and the increment
// happen under one lock, so two callers can never both take the last unit.
type Limiter struct {
	db       *bolt.DB
	cfg      Config
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a rate limiter backed by the given bolt database
func NewLimiter(db *bolt.DB, cfg Config) (*Limiter, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateBudgets)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate budgets bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		cfg:      cfg,
		counters: make(map[string]*counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// TryConsume checks the budget for (account, provider) and consumes cost
// units when allowed
func (l *Limiter) TryConsume(ctx context.Context, account, provider string, cost int) (*Result, error) {
	if cost <= 0 {
		cost = 1
	}

	var limits *Limits
	if l.cfg.Resolve != nil {
		limits = l.cfg.Resolve(account)
	}
	if limits == nil || (limits.PerHour <= 0 && limits.PerDay <= 0) {
		return &Result{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.getOrCreate(makeKey(account, provider), now)
	c.Hour.roll(now, time.Hour)
	c.Day.roll(now, 24*time.Hour)

	if limits.PerHour > 0 {
		if eff := c.Hour.effective(now, time.Hour); eff+float64(cost) > float64(limits.PerHour) {
			need := eff + float64(cost) - float64(limits.PerHour)
			return &Result{Allowed: false, RetryAfter: c.Hour.retryAfter(now, time.Hour, need)}, nil
		}
	}
	if limits.PerDay > 0 {
		if eff := c.Day.effective(now, 24*time.Hour); eff+float64(cost) > float64(limits.PerDay) {
			need := eff + float64(cost) - float64(limits.PerDay)
			return &Result{Allowed: false, RetryAfter: c.Day.retryAfter(now, 24*time.Hour, need)}, nil
		}
	}

	c.Hour.consume(now, cost)
	c.Day.consume(now, cost)
	return &Result{Allowed: true}, nil
}

// Peek reports the budget state without consuming
func (l *Limiter) Peek(ctx context.Context, account, provider string) (hourUsed, dayUsed float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[makeKey(account, provider)]
	if !ok {
		return 0, 0
	}
	now := l.now()
	c.Hour.roll(now, time.Hour)
	c.Day.roll(now, 24*time.Hour)
	return c.Hour.effective(now, time.Hour), c.Day.effective(now, 24*time.Hour)
}

// Stop stops the limiter and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

func (l *Limiter) getOrCreate(key string, now time.Time) *counter {
	c, ok := l.counters[key]
	if !ok {
		c = &counter{
			Hour: window{CurrStart: now},
			Day:  window{CurrStart: now},
		}
		l.counters[key] = c
	}
	return c
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateBudgets)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var c counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &c
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.counters))
	for key, c := range l.counters {
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateBudgets)
		if b == nil {
			return nil
		}
		for key, data := range snapshot {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.cfg.FlushInterval)
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

func makeKey(account, provider string) string {
	return account + ":" + provider
}
