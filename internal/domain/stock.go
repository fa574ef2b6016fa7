package domain

import "time"

// StockCounter is the general-admission inventory for one (session, tier)
type StockCounter struct {
	SessionID string    `json:"session_id"`
	TierID    string    `json:"tier_id"`
	Total     int       `json:"total"`
	Available int       `json:"available"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Valid reports whether 0 <= available <= total
func (s *StockCounter) Valid() bool {
	return s.Available >= 0 && s.Available <= s.Total
}
