// Package move observes the HTLC escrow package on a Sui chain and
// submits withdrawal and refund transactions against it. Sui exposes a
// plain JSON-RPC surface, so the package drives it through a generic
// RPC client rather than a chain SDK.
package move

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

// Terminal lock states are surfaced as typed errors so the coordinator
// can reconcile instead of retrying.
var (
	ErrAlreadyWithdrawn = errors.New("lock already withdrawn")
	ErrAlreadyRefunded  = errors.New("lock already refunded")
	ErrUnknownContract  = errors.New("lock object not found on chain")
	ErrNoSigner         = errors.New("relayer private key not configured")
)

// clockObject is the shared Clock every timelock check reads.
const clockObject = "0x6"

// txBlockChunk caps sui_multiGetTransactionBlocks batch size; the node
// rejects larger requests.
const txBlockChunk = 50

// rpcCaller is the JSON-RPC surface the client needs; *rpc.Client
// satisfies it.
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Client wraps a Sui JSON-RPC connection, the HTLC package address and
// the relayer's signing key.
type Client struct {
	config *config.MoveConfig
	rpc    rpcCaller
	signer *Signer
	logger *zap.Logger
}

// NewClient connects to the Sui RPC endpoint. The relayer key is
// optional; without one the client can observe but not transact.
func NewClient(cfg *config.MoveConfig, logger *zap.Logger) (*Client, error) {
	rpcClient, err := rpc.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Sui RPC: %w", err)
	}

	var signer *Signer
	var address string
	if cfg.RelayerPrivateKey != "" {
		signer, err = NewSigner(cfg.RelayerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load relayer private key: %w", err)
		}
		address = signer.Address()
	}

	logger.Info("Connected to Sui chain",
		zap.String("network", cfg.Network),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("htlc_package", cfg.PackageID),
		zap.String("relayer_address", address))

	return &Client{
		config: cfg,
		rpc:    rpcClient,
		signer: signer,
		logger: logger,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

// Address returns the relayer address, empty when no key is configured.
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// PackageID returns the watched HTLC package address.
func (c *Client) PackageID() string {
	return c.config.PackageID
}

// LatestCheckpoint returns the highest checkpoint sequence number the
// node has executed.
func (c *Client) LatestCheckpoint(ctx context.Context) (uint64, error) {
	var seq Uint64String
	if err := c.rpc.CallContext(ctx, &seq, "sui_getLatestCheckpointSequenceNumber"); err != nil {
		return 0, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return uint64(seq), nil
}

// Checkpoints returns up to limit checkpoints after the given cursor,
// in ascending order. A nil cursor starts from the genesis checkpoint.
func (c *Client) Checkpoints(ctx context.Context, after *uint64, limit uint64) (*CheckpointPage, error) {
	var cursor *string
	if after != nil {
		s := strconv.FormatUint(*after, 10)
		cursor = &s
	}

	var page CheckpointPage
	if err := c.rpc.CallContext(ctx, &page, "sui_getCheckpoints", cursor, limit, false); err != nil {
		return nil, fmt.Errorf("failed to get checkpoints: %w", err)
	}
	return &page, nil
}

// TransactionBlocks fetches the given transaction digests with their
// events, chunking requests to the node's batch limit.
func (c *Client) TransactionBlocks(ctx context.Context, digests []string) ([]TransactionBlock, error) {
	blocks := make([]TransactionBlock, 0, len(digests))
	for start := 0; start < len(digests); start += txBlockChunk {
		end := start + txBlockChunk
		if end > len(digests) {
			end = len(digests)
		}

		var chunk []TransactionBlock
		opts := map[string]interface{}{"showEvents": true}
		if err := c.rpc.CallContext(ctx, &chunk, "sui_multiGetTransactionBlocks", digests[start:end], opts); err != nil {
			return nil, fmt.Errorf("failed to get transaction blocks: %w", err)
		}
		blocks = append(blocks, chunk...)
	}
	return blocks, nil
}

// Withdraw claims the lock identified by contractID with the revealed
// preimage. It blocks until the node reports local execution and
// returns the transaction digest.
func (c *Client) Withdraw(ctx context.Context, contractID, preimage string) (string, error) {
	coinType, err := c.checkClaimable(ctx, contractID)
	if err != nil {
		return "", err
	}

	args := []interface{}{contractID, htlc.NormalizeHex(preimage), clockObject}
	digest, err := c.execute(ctx, "withdraw", coinType, args)
	if err != nil {
		return "", fmt.Errorf("failed to withdraw lock %s: %w", contractID, err)
	}
	metrics.GasUsed.WithLabelValues("move_withdraw").Observe(float64(c.config.GasBudget))
	return digest, nil
}

// Refund reclaims the expired lock identified by contractID. It blocks
// until the node reports local execution and returns the transaction
// digest.
func (c *Client) Refund(ctx context.Context, contractID string) (string, error) {
	coinType, err := c.checkClaimable(ctx, contractID)
	if err != nil {
		return "", err
	}

	args := []interface{}{contractID, clockObject}
	digest, err := c.execute(ctx, "refund", coinType, args)
	if err != nil {
		return "", fmt.Errorf("failed to refund lock %s: %w", contractID, err)
	}
	metrics.GasUsed.WithLabelValues("move_refund").Observe(float64(c.config.GasBudget))
	return digest, nil
}

// execute builds an htlc move call, signs it and submits it, waiting
// for local execution.
func (c *Client) execute(ctx context.Context, function, coinType string, args []interface{}) (string, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}

	var typeArgs []string
	if coinType != "" {
		typeArgs = []string{coinType}
	}

	var gasObject *string
	if c.config.GasObject != "" {
		gasObject = &c.config.GasObject
	}

	var unsigned TransactionBytes
	err := c.rpc.CallContext(ctx, &unsigned, "unsafe_moveCall",
		c.signer.Address(),
		c.config.PackageID,
		"htlc",
		function,
		typeArgs,
		args,
		gasObject,
		strconv.FormatUint(c.config.GasBudget, 10))
	if err != nil {
		return "", fmt.Errorf("failed to build %s call: %w", function, err)
	}

	signature, err := c.signer.SignTransaction(unsigned.TxBytes)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s call: %w", function, err)
	}

	var result ExecuteResult
	err = c.rpc.CallContext(ctx, &result, "sui_executeTransactionBlock",
		unsigned.TxBytes,
		[]string{signature},
		map[string]interface{}{"showEffects": true},
		"WaitForLocalExecution")
	if err != nil {
		return "", fmt.Errorf("failed to execute %s call: %w", function, err)
	}

	if result.Effects == nil || !result.Effects.Status.Succeeded() {
		reason := "unknown"
		if result.Effects != nil {
			reason = result.Effects.Status.Error
		}
		return "", fmt.Errorf("%s transaction %s failed: %s", function, result.Digest, reason)
	}

	c.logger.Info("Move transaction executed",
		zap.String("function", function),
		zap.String("digest", result.Digest))
	return result.Digest, nil
}

// checkClaimable reads the on-chain lock object so settled locks are
// reported as typed errors before any gas is spent. It returns the
// lock's coin type argument for the subsequent move call.
func (c *Client) checkClaimable(ctx context.Context, contractID string) (string, error) {
	var resp ObjectResponse
	opts := map[string]interface{}{"showContent": true}
	if err := c.rpc.CallContext(ctx, &resp, "sui_getObject", contractID, opts); err != nil {
		return "", fmt.Errorf("failed to read lock object: %w", err)
	}

	if resp.Error != nil || resp.Data == nil {
		return "", ErrUnknownContract
	}
	if resp.Data.Content == nil {
		return "", fmt.Errorf("lock object %s has no content", contractID)
	}

	var fields lockFields
	if err := json.Unmarshal(resp.Data.Content.Fields, &fields); err != nil {
		return "", fmt.Errorf("failed to decode lock fields: %w", err)
	}
	switch {
	case fields.Withdrawn:
		return "", ErrAlreadyWithdrawn
	case fields.Refunded:
		return "", ErrAlreadyRefunded
	}

	return coinTypeOf(resp.Data.Content.Type), nil
}

// coinTypeOf extracts the coin type argument from a lock object type
// such as "0xabc::htlc::HTLC<0x2::sui::SUI>".
func coinTypeOf(objectType string) string {
	open := strings.Index(objectType, "<")
	end := strings.LastIndex(objectType, ">")
	if open < 0 || end < open {
		return ""
	}
	return objectType[open+1 : end]
}
