package main

import (
	"context"
	"errors"
	"fmt"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
)

// hederaFactory holds the parsed operator identity; NewClient opens a fresh
// SDK client per claim.
type hederaFactory struct {
	network     string
	operatorID  hedera.AccountID
	operatorKey hedera.PrivateKey
}

func newHederaFactory(network, accountID, privateKey string) (*hederaFactory, error) {
	switch network {
	case "testnet", "mainnet", "previewnet":
	default:
		return nil, fmt.Errorf("unknown hedera network %q", network)
	}
	id, err := hedera.AccountIDFromString(accountID)
	if err != nil {
		return nil, fmt.Errorf("parse operator account id: %w", err)
	}
	key, err := hedera.PrivateKeyFromString(privateKey)
	if err != nil {
		// the key itself must never reach the logs
		return nil, fmt.Errorf("parse operator private key: invalid key material")
	}
	return &hederaFactory{network: network, operatorID: id, operatorKey: key}, nil
}

func (f *hederaFactory) NewClient(ctx context.Context) (LedgerClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := hedera.ClientForName(f.network)
	if err != nil {
		return nil, fmt.Errorf("hedera client for %s: %w", f.network, err)
	}
	client.SetOperator(f.operatorID, f.operatorKey)
	return &hederaClient{client: client, operatorID: f.operatorID, operatorKey: f.operatorKey}, nil
}

type hederaClient struct {
	client      *hedera.Client
	operatorID  hedera.AccountID
	operatorKey hedera.PrivateKey
}

func (c *hederaClient) AssociateToken(ctx context.Context, account, tokenID string) (Receipt, error) {
	acct, err := hedera.AccountIDFromString(account)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse account id: %w", err)
	}
	tok, err := hedera.TokenIDFromString(tokenID)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse token id: %w", err)
	}
	r, err := c.submit(ctx, func() (hedera.TransactionResponse, error) {
		tx, err := hedera.NewTokenAssociateTransaction().
			SetAccountID(acct).
			SetTokenIDs(tok).
			FreezeWith(c.client)
		if err != nil {
			return hedera.TransactionResponse{}, err
		}
		return tx.Sign(c.operatorKey).Execute(c.client)
	})
	if alreadyAssociated(err) {
		return r, fmt.Errorf("%w: %v", ErrAlreadyAssociated, err)
	}
	return r, err
}

func (c *hederaClient) TransferHbar(ctx context.Context, to string, tinybars int64) (Receipt, error) {
	acct, err := hedera.AccountIDFromString(to)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse account id: %w", err)
	}
	return c.submit(ctx, func() (hedera.TransactionResponse, error) {
		return hedera.NewTransferTransaction().
			AddHbarTransfer(c.operatorID, hedera.HbarFromTinybar(-tinybars)).
			AddHbarTransfer(acct, hedera.HbarFromTinybar(tinybars)).
			Execute(c.client)
	})
}

func (c *hederaClient) TransferToken(ctx context.Context, tokenID, to string, units int64) (Receipt, error) {
	acct, err := hedera.AccountIDFromString(to)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse account id: %w", err)
	}
	tok, err := hedera.TokenIDFromString(tokenID)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse token id: %w", err)
	}
	return c.submit(ctx, func() (hedera.TransactionResponse, error) {
		return hedera.NewTransferTransaction().
			AddTokenTransfer(tok, c.operatorID, -units).
			AddTokenTransfer(tok, acct, units).
			Execute(c.client)
	})
}

func (c *hederaClient) Close() error {
	return c.client.Close()
}

// alreadyAssociated reports whether the node or the receipt rejected an
// association because it already exists.
func alreadyAssociated(err error) bool {
	var receiptErr hedera.ErrHederaReceiptStatus
	if errors.As(err, &receiptErr) {
		return receiptErr.Status == hedera.StatusTokenAlreadyAssociatedToAccount
	}
	var precheckErr hedera.ErrHederaPreCheckStatus
	if errors.As(err, &precheckErr) {
		return precheckErr.Status == hedera.StatusTokenAlreadyAssociatedToAccount
	}
	return false
}

// submit executes a transaction and waits for its receipt. The SDK calls
// block without a context, so they run on their own goroutine and ctx only
// bounds how long the claim waits for them.
func (c *hederaClient) submit(ctx context.Context, execute func() (hedera.TransactionResponse, error)) (Receipt, error) {
	return awaitCall(ctx, func() (Receipt, error) {
		resp, err := execute()
		if err != nil {
			return Receipt{}, err
		}
		txID := resp.TransactionID.String()
		receipt, err := resp.GetReceipt(c.client)
		if err != nil {
			return Receipt{TransactionID: txID}, err
		}
		return Receipt{Status: receipt.Status.String(), TransactionID: txID}, nil
	})
}

// awaitCall runs fn and returns its result, or ctx.Err() if ctx finishes first.
// A call abandoned this way keeps running until the SDK returns.
func awaitCall[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}
