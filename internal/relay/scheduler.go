package relay

import "sync"

// Scheduler picks the next subflow to transmit on using weighted round-robin.
// Weights grow as a subflow proves it can move bytes, so a freshly warmed
// link gradually earns a larger share of the stripe.
type Scheduler struct {
	mu       sync.Mutex
	entries  []*scheduleEntry
	position int
}

type scheduleEntry struct {
	ref    *Subflow
	weight int
	quota  int
}

const maxSubflowWeight = 8

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) Attach(subflow *Subflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &scheduleEntry{ref: subflow, weight: 1, quota: 1})
}

func (s *Scheduler) Detach(subflowID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.entries[:0]
	for _, e := range s.entries {
		if e.ref.ID != subflowID {
			filtered = append(filtered, e)
		}
	}
	s.entries = filtered
	if s.position >= len(s.entries) {
		s.position = 0
	}
}

// Record notes a successful transmission on a subflow, nudging its weight up.
func (s *Scheduler) Record(subflowID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.ref.ID == subflowID {
			if entry.weight < maxSubflowWeight {
				entry.weight++
			}
			entry.quota = entry.weight
			return
		}
	}
}

func (s *Scheduler) Next() *Subflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil
	}
	for i := 0; i < len(s.entries); i++ {
		s.position = (s.position + 1) % len(s.entries)
		entry := s.entries[s.position]
		if entry.quota > 0 {
			entry.quota--
			return entry.ref
		}
		entry.quota = entry.weight
	}
	return s.entries[s.position].ref
}
