package models

import "time"

const TransactionsTableName = "transactions"

type TransactionKind string

const (
	TxClaim            TransactionKind = "claim"
	TxTransferSent     TransactionKind = "transfer_sent"
	TxTransferReceived TransactionKind = "transfer_received"
	TxDeduction        TransactionKind = "deduction"
	TxRefund           TransactionKind = "refund"
	TxReferralBonus    TransactionKind = "referral_bonus"
)

// Valid reports whether k is one of the known kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case TxClaim, TxTransferSent, TxTransferReceived, TxDeduction, TxRefund, TxReferralBonus:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry. Amount is signed; BalanceAfter is the
// owner's balance right after this entry was applied.
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"userId"`
	Seq          int64           `json:"-"`
	Kind         TransactionKind `json:"type"`
	Amount       int64           `json:"amount"`
	Description  string          `json:"description"`
	RelatedEmail string          `json:"relatedUserEmail,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	BalanceAfter int64           `json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}
