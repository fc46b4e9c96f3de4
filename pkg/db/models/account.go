package models

import "time"

const AccountsTableName = "accounts"

// Account is a registered user together with its coin balance.
// Coins is only ever changed through the ledger, alongside a Transaction row.
type Account struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	PasswordHash       string     `json:"-"`
	FirstName          string     `json:"firstName,omitempty"`
	LastName           string     `json:"lastName,omitempty"`
	Coins              int64      `json:"coins"`
	LastClaimAt        *time.Time `json:"lastCoinClaim,omitempty"`
	ReferralCode       string     `json:"referralCode"`
	ReferredBy         string     `json:"referredBy,omitempty"` // account id of the referrer, lookup only
	ReferralCount      int        `json:"referralCount"`
	AutoMonitorEnabled bool       `json:"autoMonitor"`
	IsAdmin            bool       `json:"isAdmin"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.LastClaimAt != nil {
		t := *a.LastClaimAt
		cp.LastClaimAt = &t
	}
	return &cp
}
