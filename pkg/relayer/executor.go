package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/evm"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/move"
)

// Settled-lock errors normalized across both chains. The coordinator
// reconciles on these instead of retrying.
var (
	ErrAlreadyWithdrawn = errors.New("contract already withdrawn on chain")
	ErrAlreadyRefunded  = errors.New("contract already refunded on chain")
	ErrUnknownContract  = errors.New("contract not found on chain")
)

// ChainClient submits claim transactions on one chain. Satisfied by
// *evm.Client and *move.Client.
type ChainClient interface {
	Withdraw(ctx context.Context, contractID, preimage string) (string, error)
	Refund(ctx context.Context, contractID string) (string, error)
}

// Executor routes withdraw and refund requests to the right chain
// client and absorbs transient chain failures with exponential backoff.
// Chain-specific terminal errors come back normalized.
type Executor struct {
	clients    map[htlc.Chain]ChainClient
	retryDelay time.Duration
	maxRetries int
	logger     *zap.Logger
}

// NewExecutor builds an executor over the two chain clients.
func NewExecutor(evmClient, moveClient ChainClient, cfg config.MonitoringConfig, logger *zap.Logger) *Executor {
	return &Executor{
		clients: map[htlc.Chain]ChainClient{
			htlc.ChainEVM:  evmClient,
			htlc.ChainMove: moveClient,
		},
		retryDelay: cfg.RetryDelay.Std(),
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

// Withdraw claims the lock on the given chain with the revealed
// preimage and returns the transaction hash.
func (e *Executor) Withdraw(ctx context.Context, chain htlc.Chain, contractID, preimage string) (string, error) {
	start := time.Now()
	txHash, err := e.submit(ctx, chain, "withdraw", func(client ChainClient) (string, error) {
		return client.Withdraw(ctx, contractID, preimage)
	})

	result := "success"
	if err != nil {
		result = "failure"
	} else {
		e.logger.Info("Counter-withdrawal submitted",
			zap.String("chain", string(chain)),
			zap.String("contract_id", contractID),
			zap.String("tx_hash", txHash))
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(chain), result).Inc()
	metrics.WithdrawalDuration.WithLabelValues(string(chain)).Observe(time.Since(start).Seconds())
	return txHash, err
}

// Refund reclaims the expired lock on the given chain and returns the
// transaction hash.
func (e *Executor) Refund(ctx context.Context, chain htlc.Chain, contractID string) (string, error) {
	txHash, err := e.submit(ctx, chain, "refund", func(client ChainClient) (string, error) {
		return client.Refund(ctx, contractID)
	})
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("executor", "refund").Inc()
		return "", err
	}
	e.logger.Info("Refund submitted",
		zap.String("chain", string(chain)),
		zap.String("contract_id", contractID),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

func (e *Executor) submit(ctx context.Context, chain htlc.Chain, op string, call func(ChainClient) (string, error)) (string, error) {
	client, ok := e.clients[chain]
	if !ok || client == nil {
		return "", fmt.Errorf("no %s client configured", chain)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryDelay

	txHash, err := backoff.RetryWithData(func() (string, error) {
		txHash, err := call(client)
		if err != nil {
			if settled := normalizeClaimError(err); settled != nil {
				return "", backoff.Permanent(settled)
			}
			e.logger.Warn("Claim attempt failed",
				zap.String("chain", string(chain)),
				zap.String("operation", op),
				zap.Error(err))
			return "", err
		}
		return txHash, nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxRetries)), ctx))
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", chain, op, err)
	}
	return txHash, nil
}

// normalizeClaimError maps chain-specific settled-lock errors onto the
// shared sentinels. nil means the error is transient.
func normalizeClaimError(err error) error {
	switch {
	case errors.Is(err, evm.ErrAlreadyWithdrawn), errors.Is(err, move.ErrAlreadyWithdrawn):
		return ErrAlreadyWithdrawn
	case errors.Is(err, evm.ErrAlreadyRefunded), errors.Is(err, move.ErrAlreadyRefunded):
		return ErrAlreadyRefunded
	case errors.Is(err, evm.ErrUnknownContract), errors.Is(err, move.ErrUnknownContract):
		return ErrUnknownContract
	case errors.Is(err, evm.ErrNoSigner), errors.Is(err, move.ErrNoSigner):
		// Misconfiguration; retrying cannot help.
		return err
	}
	return nil
}
