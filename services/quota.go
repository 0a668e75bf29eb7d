package services

import (
	"context"
	"sync"
	"time"
)

// QuotaStore guards the number of conversions per reset window. A slot taken
// by TryReserve counts toward the ceiling until it is released; Commit keeps
// it for the rest of the window.
type QuotaStore interface {
	TryReserve(ctx context.Context) (Reservation, bool, error)
	Commit(ctx context.Context, res Reservation) error
	Release(ctx context.Context, res Reservation) error
	Used(ctx context.Context) (int, error)
}

// Reservation identifies the window a slot was taken from. Releasing it only
// gives the slot back while that window is still current.
type Reservation struct {
	window string
}

// MemoryQuota is a process-local QuotaStore. Windows start at construction
// time and repeat every interval; they are not aligned to calendar days.
type MemoryQuota struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	now      func() time.Time

	windowStart time.Time
	used        int
	inFlight    int
}

func NewMemoryQuota(limit int, interval time.Duration) *MemoryQuota {
	return newMemoryQuotaWithClock(limit, interval, time.Now)
}

func newMemoryQuotaWithClock(limit int, interval time.Duration, now func() time.Time) *MemoryQuota {
	return &MemoryQuota{
		limit:       limit,
		interval:    interval,
		now:         now,
		windowStart: now(),
	}
}

// TryReserve takes a slot. In-flight reservations carry over into the next
// window, so the returned Reservation is not tied to one.
func (q *MemoryQuota) TryReserve(_ context.Context) (Reservation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	if q.used+q.inFlight >= q.limit {
		return Reservation{}, false, nil
	}
	q.inFlight++
	return Reservation{}, true, nil
}

func (q *MemoryQuota) Commit(_ context.Context, _ Reservation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.used++
	return nil
}

func (q *MemoryQuota) Release(_ context.Context, _ Reservation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
	return nil
}

// Used returns committed plus in-flight conversions in the current window.
func (q *MemoryQuota) Used(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	return q.used + q.inFlight, nil
}

// rollover zeroes committed usage once the window has elapsed. In-flight
// reservations carry over. Caller holds q.mu.
func (q *MemoryQuota) rollover() {
	elapsed := q.now().Sub(q.windowStart)
	if elapsed < q.interval {
		return
	}
	q.windowStart = q.windowStart.Add(elapsed.Truncate(q.interval))
	q.used = 0
}
