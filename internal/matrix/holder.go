package matrix

import "sync"

// Holder guards the matrix currently in force.
type Holder struct {
	mu sync.RWMutex
	m  *Matrix
}

// NewHolder creates a holder. A nil matrix falls back to Default.
func NewHolder(m *Matrix) *Holder {
	if m == nil {
		m = Default()
	}
	return &Holder{m: m}
}

// Current returns the matrix in force.
func (h *Holder) Current() *Matrix {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m
}

// Set replaces the matrix in force. Nil is ignored.
func (h *Holder) Set(m *Matrix) {
	if m == nil {
		return
	}
	h.mu.Lock()
	h.m = m
	h.mu.Unlock()
}
