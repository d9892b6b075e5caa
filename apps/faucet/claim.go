package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// accountIDPattern is the shard.realm.num form the faucet accepts in strict mode.
var accountIDPattern = regexp.MustCompile(`^0\.0\.\d+$`)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limited")
	ErrTransferFailed = errors.New("transfer failed")
)

// Reasons carried by a rate-limited ClaimError.
const (
	reasonAccount  = "account"
	reasonOrigin   = "origin"
	reasonCapacity = "capacity"
)

// Reasons carried by an invalid-request ClaimError.
const (
	reasonMissing = "missing"
	reasonFormat  = "format"
)

// reasonStore marks a transfer-failed ClaimError raised by the cooldown store
// before any ledger call. Its detail stays in the logs.
const reasonStore = "store"

// ClaimError is returned by Submit. Kind is one of ErrInvalidRequest,
// ErrRateLimited or ErrTransferFailed and is matched by errors.Is.
type ClaimError struct {
	Kind       error
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *ClaimError) Error() string {
	switch {
	case e.Kind == ErrRateLimited:
		return "RateLimited:" + e.Reason
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

func (e *ClaimError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ClaimResult describes a completed transfer.
type ClaimResult struct {
	TransactionID string
	Status        string
	Association   associationOutcome
}

// associationOutcome records how the association step ended. None of the
// outcomes stops a claim; the type exists so that is a visible decision.
type associationOutcome string

const (
	associationSkipped  associationOutcome = "skipped"
	associationDone     associationOutcome = "associated"
	associationExisting associationOutcome = "already_associated"
	associationIgnored  associationOutcome = "ignored_failure"
)

type claimerConfig struct {
	Factory       ClientFactory
	Limiter       *Limiter
	Asset         Asset
	StrictAddress bool
	LedgerTimeout time.Duration
	// MaxClaimsPerSec of 0 disables the capacity throttle.
	MaxClaimsPerSec float64
	Now             func() time.Time
	Log             *slog.Logger
}

type claimer struct {
	factory  ClientFactory
	limiter  *Limiter
	asset    Asset
	strict   bool
	timeout  time.Duration
	throttle *rate.Limiter
	now      func() time.Time
	log      *slog.Logger
}

func newClaimer(cfg claimerConfig) *claimer {
	c := &claimer{
		factory: cfg.Factory,
		limiter: cfg.Limiter,
		asset:   cfg.Asset,
		strict:  cfg.StrictAddress,
		timeout: cfg.LedgerTimeout,
		now:     cfg.Now,
		log:     cfg.Log,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if cfg.MaxClaimsPerSec > 0 {
		burst := int(cfg.MaxClaimsPerSec)
		if burst < 1 {
			burst = 1
		}
		c.throttle = rate.NewLimiter(rate.Limit(cfg.MaxClaimsPerSec), burst)
	}
	return c
}

// validRecipient applies the address policy. Strict mode requires a 0.0.N
// account id; permissive mode only requires a value.
func (c *claimer) validRecipient(recipient string) error {
	if c.strict {
		if !accountIDPattern.MatchString(recipient) {
			return &ClaimError{Kind: ErrInvalidRequest, Reason: reasonFormat, Err: fmt.Errorf("invalid account id %q", recipient)}
		}
		return nil
	}
	if recipient == "" {
		return &ClaimError{Kind: ErrInvalidRequest, Reason: reasonMissing, Err: errors.New("missing wallet address")}
	}
	return nil
}

// Submit runs one claim: validate, reserve both cooldown keys, transfer,
// then commit the cooldowns on success or hand them back on failure.
func (c *claimer) Submit(ctx context.Context, recipient, origin string) (ClaimResult, error) {
	recipient = strings.TrimSpace(recipient)
	if err := c.validRecipient(recipient); err != nil {
		claimsTotal.WithLabelValues("invalid").Inc()
		c.log.Warn("invalid recipient", "recipient", recipient, "origin", origin)
		return ClaimResult{}, err
	}

	now := c.now()
	hold, err := c.limiter.Reserve(ctx, recipient, origin, now)
	if err != nil {
		return ClaimResult{}, c.rateLimited(err, now, recipient, origin)
	}

	if c.throttle != nil && !c.throttle.AllowN(now, 1) {
		hold.Release(ctx)
		rateLimitHits.WithLabelValues(reasonCapacity).Inc()
		claimsTotal.WithLabelValues("rate_limited").Inc()
		c.log.Warn("faucet at capacity", "recipient", recipient, "origin", origin)
		return ClaimResult{}, &ClaimError{Kind: ErrRateLimited, Reason: reasonCapacity, RetryAfter: time.Second}
	}

	res, err := c.transfer(ctx, recipient)
	if err != nil {
		hold.Release(ctx)
		claimsTotal.WithLabelValues("failed").Inc()
		c.log.Error("faucet transfer failed", "recipient", recipient, "origin", origin, "err", err)
		return ClaimResult{}, &ClaimError{Kind: ErrTransferFailed, Err: err}
	}

	// the funds have moved, so the cooldown must stick even if the caller left
	if err := hold.Commit(context.WithoutCancel(ctx), c.now()); err != nil {
		c.log.Error("record cooldown", "recipient", recipient, "origin", origin, "err", err)
	}
	claimsTotal.WithLabelValues("success").Inc()
	c.log.Info("faucet claim", "recipient", recipient, "origin", origin,
		"asset", c.asset.String(), "txId", res.TransactionID, "association", res.Association)
	return res, nil
}

func (c *claimer) rateLimited(err error, now time.Time, recipient, origin string) error {
	var ce *CooldownError
	if !errors.As(err, &ce) {
		// the store failed; nothing was reserved and no transfer was attempted
		claimsTotal.WithLabelValues("failed").Inc()
		c.log.Error("cooldown store", "recipient", recipient, "origin", origin, "err", err)
		return &ClaimError{Kind: ErrTransferFailed, Reason: reasonStore, Err: err}
	}
	reason := reasonAccount
	if ce.Kind == KindOrigin {
		reason = reasonOrigin
	}
	rateLimitHits.WithLabelValues(reason).Inc()
	claimsTotal.WithLabelValues("rate_limited").Inc()
	c.log.Warn("rate limit "+reason, "recipient", recipient, "origin", origin, "pending", ce.Pending)
	return &ClaimError{
		Kind:       ErrRateLimited,
		Reason:     reason,
		RetryAfter: ce.RetryAfter(now, c.limiter.window),
		Err:        ce,
	}
}

// transfer opens a ledger client, associates when the asset is a token, and
// sends the configured amount.
func (c *claimer) transfer(ctx context.Context, recipient string) (ClaimResult, error) {
	client, err := c.factory.NewClient(ctx)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("ledger client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			c.log.Debug("close ledger client", "err", err)
		}
	}()

	outcome := associationSkipped
	if !c.asset.IsNative() {
		outcome = c.associate(ctx, client, recipient)
	}

	c.log.Info("sending", "recipient", recipient, "asset", c.asset.String())
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	var receipt Receipt
	if c.asset.IsNative() {
		receipt, err = client.TransferHbar(callCtx, recipient, c.asset.Units)
	} else {
		receipt, err = client.TransferToken(callCtx, c.asset.TokenID, recipient, c.asset.Units)
	}
	observeLedger("transfer", start, err)
	if err != nil {
		return ClaimResult{}, err
	}
	if receipt.TransactionID == "" {
		return ClaimResult{}, errors.New("ledger returned a receipt without a transaction id")
	}
	if receipt.Status != "" && receipt.Status != receiptSuccess {
		return ClaimResult{}, fmt.Errorf("transfer %s: receipt status %s", receipt.TransactionID, receipt.Status)
	}
	return ClaimResult{TransactionID: receipt.TransactionID, Status: receipt.Status, Association: outcome}, nil
}

// associate is best effort: whatever happens, the transfer is still attempted.
func (c *claimer) associate(ctx context.Context, client LedgerClient, recipient string) associationOutcome {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	receipt, err := client.AssociateToken(callCtx, recipient, c.asset.TokenID)
	observeLedger("associate", start, err)

	outcome := associationDone
	switch {
	case errors.Is(err, ErrAlreadyAssociated):
		outcome = associationExisting
		c.log.Info("wallet already associated", "recipient", recipient, "token", c.asset.TokenID)
	case err != nil:
		outcome = associationIgnored
		c.log.Info("skipping association; wallet may already be associated",
			"recipient", recipient, "token", c.asset.TokenID, "err", err)
	case receipt.Status != "" && receipt.Status != receiptSuccess:
		outcome = associationIgnored
		c.log.Warn("association not confirmed", "recipient", recipient, "token", c.asset.TokenID, "status", receipt.Status)
	default:
		c.log.Info("wallet associated", "recipient", recipient, "token", c.asset.TokenID)
	}
	associationsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}
