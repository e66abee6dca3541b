package llmrouter

import (
	"context"
	"sync"
	"time"
)

// Window is the span of the requests/minute and tokens/minute limits.
const Window = time.Minute

// WindowLimits are the sliding-window ceilings of one route as seen by a
// WindowStore. Zero disables the corresponding limit.
type WindowLimits struct {
	RequestsPerMinute int
	TokensPerMinute   int64
}

// WindowUsage is the usage currently inside the window.
type WindowUsage struct {
	Requests int
	Tokens   int64
}

// WindowStore holds the sliding windows of request timestamps and token
// counts. Implementations must make Admit atomic per key.
type WindowStore interface {
	// Admit evicts entries older than Window, then either records a request
	// of the given token count and returns zero, or records nothing and
	// returns how long to wait before the oldest blocking entry expires.
	Admit(ctx context.Context, key string, now time.Time, tokens int64, limits WindowLimits) (time.Duration, error)

	// Usage reports the usage inside the window ending at now without
	// modifying the store.
	Usage(ctx context.Context, key string, now time.Time) (WindowUsage, error)
}

// MemoryWindowStore is an in-process WindowStore.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	requests []time.Time
	tokens   []tokenEntry
	tokenSum int64
}

type tokenEntry struct {
	at     time.Time
	amount int64
}

var _ WindowStore = (*MemoryWindowStore)(nil)

// NewMemoryWindowStore creates an empty in-memory window store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]*slidingWindow)}
}

// Admit implements WindowStore.
func (s *MemoryWindowStore) Admit(_ context.Context, key string, now time.Time, tokens int64, limits WindowLimits) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &slidingWindow{}
		s.windows[key] = w
	}
	w.evict(now.Add(-Window))

	if limits.RequestsPerMinute > 0 && len(w.requests) >= limits.RequestsPerMinute {
		return w.requests[0].Add(Window).Sub(now), nil
	}

	// An estimate larger than the whole TPM budget is admitted once the
	// window has drained, otherwise it could never pass.
	if limits.TokensPerMinute > 0 && len(w.tokens) > 0 && w.tokenSum+tokens > limits.TokensPerMinute {
		return w.tokens[0].at.Add(Window).Sub(now), nil
	}

	w.requests = append(w.requests, now)
	if tokens > 0 {
		w.tokens = append(w.tokens, tokenEntry{at: now, amount: tokens})
		w.tokenSum += tokens
	}
	return 0, nil
}

// Usage implements WindowStore.
func (s *MemoryWindowStore) Usage(_ context.Context, key string, now time.Time) (WindowUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return WindowUsage{}, nil
	}

	cutoff := now.Add(-Window)
	var u WindowUsage
	for _, t := range w.requests {
		if t.After(cutoff) {
			u.Requests++
		}
	}
	for _, e := range w.tokens {
		if e.at.After(cutoff) {
			u.Tokens += e.amount
		}
	}
	return u, nil
}

// evict drops entries at or before cutoff. Both slices are in time order.
func (w *slidingWindow) evict(cutoff time.Time) {
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]

	j := 0
	for j < len(w.tokens) && !w.tokens[j].at.After(cutoff) {
		w.tokenSum -= w.tokens[j].amount
		j++
	}
	w.tokens = w.tokens[j:]
}
