package connector

import "sync"

// CursorTracker accumulates the maximum observed watermark per stream as a
// connector iterates, handing it to the engine only on successful
// completion (§4.2 Cursor emission; on failure the cursor is not advanced).
type CursorTracker struct {
	mu     sync.Mutex
	values map[string]interface{}
	cmp    func(stream string, a, b interface{}) bool // a > b
}

// NewCursorTracker takes a comparator used to decide whether a newly
// observed value supersedes the tracked maximum for a stream. The default
// comparator (nil) compares ISO-8601 strings lexicographically, which is
// order-preserving for that format.
func NewCursorTracker(cmp func(stream string, a, b interface{}) bool) *CursorTracker {
	if cmp == nil {
		cmp = defaultCompare
	}
	return &CursorTracker{values: make(map[string]interface{}), cmp: cmp}
}

func defaultCompare(_ string, a, b interface{}) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as > bs
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af > bf
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Observe records a watermark value for a stream if it exceeds (or is the
// first) value seen for that stream.
func (t *CursorTracker) Observe(stream string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.values[stream]
	if !ok || t.cmp(stream, value, existing) {
		t.values[stream] = value
	}
}

// Snapshot returns the tracked watermarks, safe to hand to the engine for a
// cursor commit.
func (t *CursorTracker) Snapshot() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]interface{}, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}
