package tracechain

// Tamper overwrites a stored event in place, bypassing every invariant.
// It exists so tests can simulate corruption of the backing store.
func (s *MemoryStore) Tamper(id string, fn func(e *TraceEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	return nil
}
