// Package evm observes the HTLC escrow contract on an EVM chain and
// submits withdrawal and refund transactions against it.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/evm/contracts"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

// Terminal contract states are surfaced as typed errors so the
// coordinator can reconcile instead of retrying.
var (
	ErrAlreadyWithdrawn = errors.New("contract already withdrawn")
	ErrAlreadyRefunded  = errors.New("contract already refunded")
	ErrUnknownContract  = errors.New("contract id not found on chain")
	ErrNoSigner         = errors.New("relayer private key not configured")
)

// Client wraps the EVM RPC connections and the bound HTLC contract.
type Client struct {
	config     *config.EVMConfig
	client     *ethclient.Client
	pushClient *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	htlc       *contracts.HTLC
	logger     *zap.Logger
}

// NewClient connects to the EVM RPC endpoint and binds the HTLC contract.
// The push endpoint and the relayer key are both optional; without a key
// the client can observe but not transact.
func NewClient(cfg *config.EVMConfig, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}

	var pushClient *ethclient.Client
	if cfg.PushURL != "" {
		pushClient, err = ethclient.Dial(cfg.PushURL)
		if err != nil {
			logger.Warn("Failed to connect to EVM push endpoint, falling back to polling",
				zap.Error(err))
			pushClient = nil
		}
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address
	if cfg.RelayerPrivateKey != "" {
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayerPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to load relayer private key: %w", err)
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	htlcAddress := common.HexToAddress(cfg.HTLCAddress)
	contract, err := contracts.NewHTLC(htlcAddress, client)
	if err != nil {
		return nil, fmt.Errorf("failed to bind HTLC contract: %w", err)
	}

	logger.Info("Connected to EVM chain",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("htlc_contract", htlcAddress.Hex()),
		zap.String("relayer_address", address.Hex()),
		zap.Bool("push", pushClient != nil))

	return &Client{
		config:     cfg,
		client:     client,
		pushClient: pushClient,
		privateKey: privateKey,
		address:    address,
		htlc:       contract,
		logger:     logger,
	}, nil
}

// Close closes the underlying RPC connections.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
	if c.pushClient != nil {
		c.pushClient.Close()
	}
}

// RPC returns the HTTP RPC client.
func (c *Client) RPC() *ethclient.Client {
	return c.client
}

// PushRPC returns the subscription-capable client, or nil when no push
// endpoint is configured.
func (c *Client) PushRPC() *ethclient.Client {
	return c.pushClient
}

// HTLC returns the bound contract.
func (c *Client) HTLC() *contracts.HTLC {
	return c.htlc
}

// Address returns the relayer address, zero when no key is configured.
func (c *Client) Address() common.Address {
	return c.address
}

// GetLatestBlockNumber gets the latest block number.
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	return header.Number.Uint64(), nil
}

// GetTransactor returns a transaction signer with the pending nonce set.
func (c *Client) GetTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	if c.privateKey == nil {
		return nil, ErrNoSigner
	}
	chainID := big.NewInt(c.config.ChainID)

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	auth.Nonce = big.NewInt(int64(nonce))
	auth.GasLimit = c.config.GasLimit
	auth.Context = ctx

	if c.config.MaxGasPrice != "" {
		maxGasPrice := new(big.Int)
		maxGasPrice.SetString(c.config.MaxGasPrice, 10)

		gasPrice, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}

		if gasPrice.Cmp(maxGasPrice) > 0 {
			c.logger.Warn("Suggested gas price exceeds maximum",
				zap.String("suggested", gasPrice.String()),
				zap.String("max", maxGasPrice.String()))
			auth.GasPrice = maxGasPrice
		} else {
			auth.GasPrice = gasPrice
		}
	}

	return auth, nil
}

// Withdraw claims the lock identified by contractID with the revealed
// preimage. It blocks until the transaction is mined and returns the
// transaction hash.
func (c *Client) Withdraw(ctx context.Context, contractID, preimage string) (string, error) {
	id, err := parseBytes32(contractID)
	if err != nil {
		return "", err
	}
	secret, err := parseBytes32(preimage)
	if err != nil {
		return "", err
	}

	if err := c.checkClaimable(ctx, id); err != nil {
		return "", err
	}

	auth, err := c.GetTransactor(ctx)
	if err != nil {
		return "", err
	}

	tx, err := c.htlc.Withdraw(auth, id, secret)
	if err != nil {
		return "", fmt.Errorf("failed to submit withdraw transaction: %w", err)
	}
	c.logger.Info("Withdraw transaction submitted",
		zap.String("contract_id", contractID),
		zap.String("tx_hash", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return "", fmt.Errorf("failed to wait for withdraw receipt: %w", err)
	}
	if receipt.Status != 1 {
		return "", fmt.Errorf("withdraw transaction %s reverted", tx.Hash().Hex())
	}
	metrics.GasUsed.WithLabelValues("evm_withdraw").Observe(float64(receipt.GasUsed))

	return strings.ToLower(tx.Hash().Hex()), nil
}

// Refund reclaims the expired lock identified by contractID. It blocks
// until the transaction is mined and returns the transaction hash.
func (c *Client) Refund(ctx context.Context, contractID string) (string, error) {
	id, err := parseBytes32(contractID)
	if err != nil {
		return "", err
	}

	if err := c.checkClaimable(ctx, id); err != nil {
		return "", err
	}

	auth, err := c.GetTransactor(ctx)
	if err != nil {
		return "", err
	}

	tx, err := c.htlc.Refund(auth, id)
	if err != nil {
		return "", fmt.Errorf("failed to submit refund transaction: %w", err)
	}
	c.logger.Info("Refund transaction submitted",
		zap.String("contract_id", contractID),
		zap.String("tx_hash", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return "", fmt.Errorf("failed to wait for refund receipt: %w", err)
	}
	if receipt.Status != 1 {
		return "", fmt.Errorf("refund transaction %s reverted", tx.Hash().Hex())
	}
	metrics.GasUsed.WithLabelValues("evm_refund").Observe(float64(receipt.GasUsed))

	return strings.ToLower(tx.Hash().Hex()), nil
}

// checkClaimable reads the on-chain lock state so settled contracts are
// reported as typed errors before any gas is spent.
func (c *Client) checkClaimable(ctx context.Context, id [32]byte) error {
	state, err := c.htlc.GetContract(&bind.CallOpts{Context: ctx}, id)
	if err != nil {
		return fmt.Errorf("failed to read contract state: %w", err)
	}
	switch {
	case !state.Exists():
		return ErrUnknownContract
	case state.Withdrawn:
		return ErrAlreadyWithdrawn
	case state.Refunded:
		return ErrAlreadyRefunded
	}
	return nil
}

func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(htlc.NormalizeHex(s))
	if err != nil {
		return out, fmt.Errorf("invalid bytes32 %q: %w", s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid bytes32 length %d for %q", len(b), s)
	}
	copy(out[:], b)
	return out, nil
}
