package domain

import "time"

// ExternalBinding links a platform session to a box-office performance
type ExternalBinding struct {
	SessionID     string    `json:"session_id"`
	Account       string    `json:"account"`
	PerformanceID string    `json:"performance_id"`
	LockRemark    string    `json:"lock_remark"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExternalSnapshot is the stored reconciliation baseline of a session
type ExternalSnapshot struct {
	SessionID string `json:"session_id"`
	Bits      []byte `json:"bits"`
	Seats     int    `json:"seats"`
}

// RefundFlag marks an order that lost a seat race against the box office
type RefundFlag struct {
	OrderToken string    `json:"order_token"`
	SessionID  string    `json:"session_id"`
	SeatID     string    `json:"seat_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// RefundReasonExternalSale is set when the box office sold a seat the platform also sold or held
const RefundReasonExternalSale = "need_refund_external"
