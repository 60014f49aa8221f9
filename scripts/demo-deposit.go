//go:build ignore

// Creates an EVM-side HTLC deposit so a running relayer has something
// to observe. Prints the generated preimage and hashlock; lock the
// Move side with the SAME hashlock and the relayer pairs the two legs
// into one swap session.
//
// The configured evm.relayer_private_key signs the deposit, so for a
// real demo point -key at a funded user account instead.
//
// Run: go run scripts/demo-deposit.go -config config.yaml \
//   -receiver 0xReceiver... -amount 1000000000000000
//
// Watch progress:
//   wscat -c ws://localhost:8081/ws
//   > {"action":"subscribe","topics":["swap_updates"]}

package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
)

// newContract is not part of the relayer's contract binding; the
// relayer only withdraws and refunds. The demo acts as the depositor,
// so it carries the fragment itself.
const newContractABI = `[
  {
    "inputs": [
      {"name": "receiver",      "type": "address"},
      {"name": "token",         "type": "address"},
      {"name": "amount",        "type": "uint256"},
      {"name": "hashlock",      "type": "bytes32"},
      {"name": "timelock",      "type": "uint256"},
      {"name": "targetChainId", "type": "string"}
    ],
    "name": "newContract",
    "outputs": [{"name": "contractId", "type": "bytes32"}],
    "stateMutability": "payable",
    "type": "function"
  }
]`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	receiver := flag.String("receiver", "", "EVM address that may claim the lock (required)")
	amount := flag.String("amount", "1000000000000000", "Deposit amount in wei")
	token := flag.String("token", "", "ERC20 token address; empty locks the native coin")
	key := flag.String("key", "", "Depositor private key hex; defaults to evm.relayer_private_key")
	lifetime := flag.Duration("lifetime", 2*time.Hour, "Time until the lock becomes refundable")
	targetChain := flag.String("target-chain", "sui:testnet", "Counterparty chain identifier stamped on the deposit")
	flag.Parse()

	if *receiver == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -receiver flag is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	keyHex := *key
	if keyHex == "" {
		keyHex = cfg.EVM.RelayerPrivateKey
	}
	if keyHex == "" {
		fmt.Fprintln(os.Stderr, "ERROR: no depositor key; pass -key or set evm.relayer_private_key")
		os.Exit(1)
	}

	value, ok := new(big.Int).SetString(*amount, 10)
	if !ok || value.Sign() <= 0 {
		fmt.Fprintf(os.Stderr, "ERROR: invalid amount %q\n", *amount)
		os.Exit(1)
	}

	// The preimage is the swap secret. It must stay private until the
	// counter-lock is confirmed on the Move side.
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating preimage: %v\n", err)
		os.Exit(1)
	}
	hashlock := sha256.Sum256(preimage[:])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, err := ethclient.DialContext(ctx, cfg.EVM.RPCURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", cfg.EVM.RPCURL, err)
		os.Exit(1)
	}
	defer client.Close()

	privateKey, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing depositor key: %v\n", err)
		os.Exit(1)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(privateKey, big.NewInt(cfg.EVM.ChainID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building transactor: %v\n", err)
		os.Exit(1)
	}
	opts.Context = ctx

	tokenAddr := common.Address{}
	if *token != "" {
		tokenAddr = common.HexToAddress(*token)
	} else {
		// Native coin deposits carry the amount as msg.value.
		opts.Value = value
	}

	timelock := big.NewInt(time.Now().Add(*lifetime).Unix())

	parsed, err := abi.JSON(strings.NewReader(newContractABI))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing ABI: %v\n", err)
		os.Exit(1)
	}
	htlcAddr := common.HexToAddress(cfg.EVM.HTLCAddress)
	escrow := bind.NewBoundContract(htlcAddr, parsed, client, client, client)

	tx, err := escrow.Transact(opts, "newContract",
		common.HexToAddress(*receiver),
		tokenAddr,
		value,
		hashlock,
		timelock,
		*targetChain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sending deposit: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Deposit submitted, waiting for inclusion...")
	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error waiting for receipt: %v\n", err)
		os.Exit(1)
	}
	if receipt.Status != 1 {
		fmt.Fprintf(os.Stderr, "Deposit transaction %s reverted\n", tx.Hash().Hex())
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("=== HTLC Deposit ===")
	fmt.Printf("Tx:        %s (block %d)\n", tx.Hash().Hex(), receipt.BlockNumber)
	fmt.Printf("Contract:  %s\n", htlcAddr.Hex())
	fmt.Printf("Receiver:  %s\n", *receiver)
	fmt.Printf("Amount:    %s\n", value.String())
	fmt.Printf("Timelock:  %d (%s)\n", timelock, time.Unix(timelock.Int64(), 0).UTC().Format(time.RFC3339))
	fmt.Printf("Hashlock:  0x%s\n", hex.EncodeToString(hashlock[:]))
	fmt.Println()
	fmt.Printf("Preimage (keep secret until both sides are locked):\n0x%s\n", hex.EncodeToString(preimage[:]))
	fmt.Println()
	fmt.Println("Next, lock the Move side with the SAME hashlock. Timelock is in")
	fmt.Println("milliseconds there:")
	fmt.Printf("  sui client call --package %s --module htlc --function create_lock \\\n", cfg.Move.PackageID)
	fmt.Println("    --type-args 0x2::sui::SUI \\")
	fmt.Printf("    --args <coin-object> <sui-receiver> 0x%s %d 0x6 \\\n", hex.EncodeToString(hashlock[:]), timelock.Int64()*1000)
	fmt.Printf("    --gas-budget %d\n", cfg.Move.GasBudget)
	fmt.Println()
	fmt.Println("Once the relayer reports BOTH_LOCKED, reveal the preimage by")
	fmt.Println("withdrawing on the Move side; the relayer claims the EVM leg.")
}
