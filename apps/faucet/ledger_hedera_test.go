package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/stretchr/testify/require"
)

func TestNewHederaFactory(t *testing.T) {
	key, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)

	f, err := newHederaFactory("testnet", "0.0.1001", key.String())
	require.NoError(t, err)
	require.Equal(t, "0.0.1001", f.operatorID.String())

	_, err = newHederaFactory("devnet", "0.0.1001", key.String())
	require.Error(t, err)

	_, err = newHederaFactory("testnet", "not-an-account", key.String())
	require.Error(t, err)

	_, err = newHederaFactory("testnet", "0.0.1001", "definitely-not-a-key")
	require.Error(t, err)
	require.False(t, strings.Contains(err.Error(), "definitely-not-a-key"), "key material leaked into error")
}

func TestHederaFactory_CanceledContext(t *testing.T) {
	key, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)
	f, err := newHederaFactory("testnet", "0.0.1001", key.String())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.NewClient(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitCall(t *testing.T) {
	got, err := awaitCall(context.Background(), func() (Receipt, error) {
		return Receipt{Status: "SUCCESS", TransactionID: "0.0.2@1.2"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "0.0.2@1.2", got.TransactionID)

	boom := errors.New("boom")
	_, err = awaitCall(context.Background(), func() (Receipt, error) { return Receipt{}, boom })
	require.ErrorIs(t, err, boom)

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = awaitCall(ctx, func() (Receipt, error) {
		<-release
		return Receipt{}, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAlreadyAssociated(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"receipt status", hedera.ErrHederaReceiptStatus{Status: hedera.StatusTokenAlreadyAssociatedToAccount}, true},
		{"precheck status", hedera.ErrHederaPreCheckStatus{Status: hedera.StatusTokenAlreadyAssociatedToAccount}, true},
		{"wrapped receipt status", fmt.Errorf("associate: %w",
			hedera.ErrHederaReceiptStatus{Status: hedera.StatusTokenAlreadyAssociatedToAccount}), true},
		{"other receipt status", hedera.ErrHederaReceiptStatus{Status: hedera.StatusInvalidSignature}, false},
		{"status name in plain text", errors.New("TOKEN_ALREADY_ASSOCIATED_TO_ACCOUNT"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, alreadyAssociated(tt.err))
		})
	}
}
