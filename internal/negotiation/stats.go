package negotiation

import "github.com/stellarlinkco/leasebroker/internal/session"

// Stats aggregates running and finished sessions of this process.
type Stats struct {
	Sessions      int                    `json:"sessions"`
	Active        int                    `json:"active"`
	ByStatus      map[session.Status]int `json:"by_status"`
	TotalMessages int                    `json:"total_messages"`
	AvgMessages   float64                `json:"avg_messages"`
	AvgScore      float64                `json:"avg_score"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{ByStatus: make(map[session.Status]int)}
	var scoreSum float64
	for _, e := range m.active {
		snap := e.sess.Snapshot()
		s.Sessions++
		s.Active++
		s.ByStatus[snap.Status]++
		s.TotalMessages += snap.Len()
		scoreSum += snap.MatchScore
	}
	for _, r := range m.finished {
		s.Sessions++
		s.ByStatus[r.status]++
		s.TotalMessages += r.messages
		scoreSum += r.score
	}
	if s.Sessions > 0 {
		s.AvgMessages = float64(s.TotalMessages) / float64(s.Sessions)
		s.AvgScore = scoreSum / float64(s.Sessions)
	}
	return s
}
