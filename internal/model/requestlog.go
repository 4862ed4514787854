package model

import "time"

// RequestLogEntry is one audited call that reached a marketplace API.
type RequestLogEntry struct {
	ID          string        `json:"id"`
	ProductID   string        `json:"product_id"`
	Marketplace Marketplace   `json:"marketplace"`
	Call        string        `json:"call"`
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	StatusCode  int           `json:"status_code"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Latency     time.Duration `json:"latency_ns"`
	At          time.Time     `json:"at"`
}
