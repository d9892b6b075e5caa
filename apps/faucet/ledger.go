package main

import (
	"context"
	"errors"
)

// ErrAlreadyAssociated is returned by AssociateToken when the account already
// holds an association with the token.
var ErrAlreadyAssociated = errors.New("token already associated to account")

// receiptSuccess is the only receipt status that counts as done.
const receiptSuccess = "SUCCESS"

// Receipt is the ledger's confirmation of a submitted transaction. A client
// may return a receipt with a failed Status and a nil error; callers check it.
type Receipt struct {
	Status        string
	TransactionID string
}

// LedgerClient is an authenticated session with the ledger, acting as the
// faucet operator. Implementations must honor ctx cancellation.
type LedgerClient interface {
	AssociateToken(ctx context.Context, account, tokenID string) (Receipt, error)
	TransferHbar(ctx context.Context, to string, tinybars int64) (Receipt, error)
	TransferToken(ctx context.Context, tokenID, to string, units int64) (Receipt, error)
	Close() error
}

// ClientFactory builds a LedgerClient for one claim.
type ClientFactory interface {
	NewClient(ctx context.Context) (LedgerClient, error)
}
