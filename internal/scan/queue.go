package scan

import (
	"math"
	"sync"
)

// dirQueue is the FIFO of directories waiting to be listed. Workers pop
// from the head; rebalancing removes from the tail to minimize contention
// with the popping threads.
type dirQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *dirQueue) PushBack(paths ...string) {
	if len(paths) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, paths...)
	q.mu.Unlock()
}

func (q *dirQueue) PopFront() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *dirQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TakeTail removes up to max(count, ceil(pct*size)) items from the tail
// and returns them in queue order.
func (q *dirQueue) TakeTail(count int, pct float64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := count
	if byPct := int(math.Ceil(pct * float64(len(q.items)))); byPct > n {
		n = byPct
	}
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	cut := len(q.items) - n
	out := append([]string(nil), q.items[cut:]...)
	q.items = q.items[:cut]
	return out
}

// FileBatch is a chunk of names from one directory listing, the unit of
// scheduling for file handlers.
type FileBatch struct {
	Root  string
	Names []string
}

type batchQueue struct {
	mu    sync.Mutex
	items []FileBatch
}

func (q *batchQueue) PushBack(b FileBatch) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
}

func (q *batchQueue) PopFront() (FileBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return FileBatch{}, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

func (q *batchQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
