package engine

import (
	"sync"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// DefaultHistorySize is how many recent results are kept in memory.
const DefaultHistorySize = 1000

// History assigns sequential result IDs and keeps the most recent results.
// Durable storage is the caller's concern.
type History struct {
	mu     sync.RWMutex
	next   uint64
	recent []domain.TradeResult
	size   int
}

// NewHistory creates a history whose first ID is 1.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{next: 1, size: size}
}

// SetNextID continues numbering after persisted results.
func (h *History) SetNextID(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id > h.next {
		h.next = id
	}
}

// Append stamps res with the next ID and stores it.
func (h *History) Append(res domain.TradeResult) domain.TradeResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	res.ID = h.next
	h.next++
	h.recent = append(h.recent, res)
	if len(h.recent) > h.size {
		h.recent = append(h.recent[:0:0], h.recent[len(h.recent)-h.size:]...)
	}
	return res
}

// Recent returns up to n results, newest first.
func (h *History) Recent(n int) []domain.TradeResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.recent) {
		n = len(h.recent)
	}
	out := make([]domain.TradeResult, 0, n)
	for i := len(h.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.recent[i])
	}
	return out
}

// Get returns an in-memory result by ID.
func (h *History) Get(id uint64) (domain.TradeResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.recent) - 1; i >= 0; i-- {
		if h.recent[i].ID == id {
			return h.recent[i], true
		}
	}
	return domain.TradeResult{}, false
}
