package entities

import (
	"github.com/google/uuid"
)

// KYCStatus is the customer's identity verification state
type KYCStatus string

const (
	KYCStatusNone     KYCStatus = "NONE"
	KYCStatusPending  KYCStatus = "PENDING"
	KYCStatusApproved KYCStatus = "APPROVED"
	KYCStatusRejected KYCStatus = "REJECTED"
)

// Customer is the projection of the customer directory the engine needs
type Customer struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Email           string     `json:"email" db:"email"`
	SponsorID       *uuid.UUID `json:"sponsor_id,omitempty" db:"sponsor_id"`
	CommissionLevel int        `json:"commission_level" db:"commission_level"`
	KYCStatus       KYCStatus  `json:"kyc_status" db:"kyc_status"`
	TwoFAEnabled    bool       `json:"two_fa_enabled" db:"two_fa_enabled"`
}

// KYCApproved reports whether identity verification is complete
func (c *Customer) KYCApproved() bool {
	return c.KYCStatus == KYCStatusApproved
}

// SponsorNode is one link of the referral tree as stored by the directory
type SponsorNode struct {
	CustomerID      uuid.UUID  `json:"customer_id" db:"id"`
	SponsorID       *uuid.UUID `json:"sponsor_id,omitempty" db:"sponsor_id"`
	CommissionLevel int        `json:"commission_level" db:"commission_level"`
	KYCStatus       KYCStatus  `json:"kyc_status" db:"kyc_status"`
}

// KYCApproved reports whether the node's customer passed identity verification
func (n *SponsorNode) KYCApproved() bool {
	return n.KYCStatus == KYCStatusApproved
}

// Ancestor is a sponsor-chain member annotated with its 1-based depth
type Ancestor struct {
	SponsorNode
	Floor int `json:"floor"`
}

// SponsorChain is ordered nearest ancestor first
type SponsorChain []Ancestor

// AtFloor returns the ancestor at the given floor
func (c SponsorChain) AtFloor(floor int) (*Ancestor, bool) {
	if floor < 1 || floor > len(c) {
		return nil, false
	}
	a := c[floor-1]
	return &a, true
}
