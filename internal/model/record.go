package model

import (
	"maps"
	"time"
)

// SyncStatus is the last-known synchronization status of one marketplace record.
type SyncStatus string

const (
	SyncNotSynced SyncStatus = "NOT_SYNCED"
	SyncSyncing   SyncStatus = "SYNCING"
	SyncSynced    SyncStatus = "SYNCED"
	SyncFailed    SyncStatus = "FAILED"
	SyncStale     SyncStatus = "STALE"
	SyncDelisted  SyncStatus = "DELISTED"
	SyncSold      SyncStatus = "SOLD"
)

// Operation is the remote operation last applied to a record.
type Operation string

const (
	OpList    Operation = "LIST"
	OpReprice Operation = "REPRICE"
	OpDelist  Operation = "DELIST"
)

// Remote identifier roles stored in MarketplaceRecord.RemoteIDs.
const (
	RoleSKU           = "sku"
	RoleInventoryItem = "inventory_item"
	RoleOffer         = "offer"
	RoleListing       = "listing"
	RoleASIN          = "asin"
	RoleSubmission    = "submission"
)

// ErrorKind tags a recorded remote failure.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "TRANSIENT"
	ErrorPermanent ErrorKind = "PERMANENT"
)

// SyncError is the last remote failure recorded on a record.
type SyncError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// MarketplaceRecord is the ledger entry for one (product, marketplace) pair.
type MarketplaceRecord struct {
	ProductID          string            `json:"product_id"`
	Marketplace        Marketplace       `json:"marketplace"`
	RemoteIDs          map[string]string `json:"remote_ids"`
	Status             SyncStatus        `json:"sync_status"`
	Operation          Operation         `json:"operation,omitempty"`
	LastAttemptedPrice *Money            `json:"last_attempted_price,omitempty"`
	LastConfirmedPrice *Money            `json:"last_confirmed_price,omitempty"`
	LastError          *SyncError        `json:"last_error,omitempty"`
	AttemptCount       int               `json:"attempt_count"`
	NextRetryAt        *time.Time        `json:"next_retry_at,omitempty"`
	// Epoch is the product intent epoch that last touched this record.
	Epoch     uint64    `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord returns an empty NOT_SYNCED record.
func NewRecord(productID string, m Marketplace, now time.Time) MarketplaceRecord {
	return MarketplaceRecord{
		ProductID:   productID,
		Marketplace: m,
		RemoteIDs:   map[string]string{},
		Status:      SyncNotSynced,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Live reports whether a remote listing exists as far as the ledger knows.
func (r MarketplaceRecord) Live() bool {
	switch r.Status {
	case SyncSynced, SyncStale:
		return true
	case SyncSyncing, SyncFailed:
		return r.Operation == OpReprice || r.Operation == OpDelist
	}
	return false
}

// Pending reports whether the record still has work in flight or scheduled.
func (r MarketplaceRecord) Pending() bool {
	return r.Status == SyncSyncing || (r.Status == SyncFailed && r.NextRetryAt != nil)
}

// Dead reports whether a listing attempt failed with no retry remaining.
func (r MarketplaceRecord) Dead() bool {
	return r.Status == SyncFailed && r.Operation == OpList && r.NextRetryAt == nil
}

// Clone returns a deep copy of r.
func (r MarketplaceRecord) Clone() MarketplaceRecord {
	c := r
	c.RemoteIDs = maps.Clone(r.RemoteIDs)
	if c.RemoteIDs == nil {
		c.RemoteIDs = map[string]string{}
	}
	if r.LastAttemptedPrice != nil {
		c.LastAttemptedPrice = r.LastAttemptedPrice.Ptr()
	}
	if r.LastConfirmedPrice != nil {
		c.LastConfirmedPrice = r.LastConfirmedPrice.Ptr()
	}
	if r.LastError != nil {
		e := *r.LastError
		c.LastError = &e
	}
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		c.NextRetryAt = &t
	}
	return c
}

// RetryTask is a scheduled re-attempt of one marketplace operation.
type RetryTask struct {
	ProductID   string      `json:"product_id"`
	Marketplace Marketplace `json:"marketplace"`
	Operation   Operation   `json:"operation"`
	Attempt     int         `json:"attempt"`
	NotBefore   time.Time   `json:"not_before"`
	Epoch       uint64      `json:"epoch"`
}

// Key identifies the task's record.
func (t RetryTask) Key() string { return t.ProductID + "/" + string(t.Marketplace) }
