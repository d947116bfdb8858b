package manager

import (
	"container/heap"
	"time"
)

// readyQueue holds URLs eligible for admission right now. New URLs join at
// the back; retries whose delay elapsed jump the line.
type readyQueue struct {
	items []string
}

func (q *readyQueue) PushBack(url string) {
	q.items = append(q.items, url)
}

func (q *readyQueue) PushFront(url string) {
	q.items = append([]string{url}, q.items...)
}

func (q *readyQueue) Pop() string {
	url := q.items[0]
	q.items = q.items[1:]
	return url
}

func (q *readyQueue) Len() int {
	return len(q.items)
}

// delayEntry schedules a URL to re-enter the ready queue at a point in time.
// front preserves retry priority across a rate-limiter deferral.
type delayEntry struct {
	url   string
	at    time.Time
	front bool
}

// delayQueue is a min-heap of delayEntry ordered by release time. It backs
// both retry backoff delays and rate-limiter admission deferrals.
type delayQueue struct {
	entries []delayEntry
}

func (q *delayQueue) Len() int           { return len(q.entries) }
func (q *delayQueue) Less(i, j int) bool { return q.entries[i].at.Before(q.entries[j].at) }
func (q *delayQueue) Swap(i, j int)      { q.entries[i], q.entries[j] = q.entries[j], q.entries[i] }

func (q *delayQueue) Push(x any) {
	q.entries = append(q.entries, x.(delayEntry))
}

func (q *delayQueue) Pop() any {
	old := q.entries
	n := len(old)
	entry := old[n-1]
	q.entries = old[:n-1]
	return entry
}

// Add schedules url for release at the given time.
func (q *delayQueue) Add(url string, at time.Time, front bool) {
	heap.Push(q, delayEntry{url: url, at: at, front: front})
}

// NextAt returns the earliest release time, if any entry is scheduled.
func (q *delayQueue) NextAt() (time.Time, bool) {
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].at, true
}

// ReleaseDue removes and returns every entry due at now, earliest first.
func (q *delayQueue) ReleaseDue(now time.Time) []delayEntry {
	var due []delayEntry
	for len(q.entries) > 0 && !q.entries[0].at.After(now) {
		due = append(due, heap.Pop(q).(delayEntry))
	}
	return due
}
