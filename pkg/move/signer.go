package move

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ed25519Flag is the Sui signature scheme flag for ed25519 keys.
const ed25519Flag byte = 0x00

// intentScope prefixes transaction data before hashing: scope
// TransactionData, version V0, app ID Sui.
var intentScope = []byte{0, 0, 0}

// Signer signs Sui transaction blocks with an ed25519 key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner builds a Signer from a 32-byte ed25519 seed, given as hex
// (with or without 0x) or base64.
func NewSigner(seed string) (*Signer, error) {
	raw, err := decodeSeed(seed)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	return &Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
}

func decodeSeed(seed string) ([]byte, error) {
	s := strings.TrimSpace(seed)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seed is neither hex nor base64")
	}
	return raw, nil
}

// Address returns the 0x-prefixed Sui address derived from the public
// key: blake2b-256 over the scheme flag plus the key bytes.
func (s *Signer) Address() string {
	pub := s.key.Public().(ed25519.PublicKey)
	buf := make([]byte, 0, 1+ed25519.PublicKeySize)
	buf = append(buf, ed25519Flag)
	buf = append(buf, pub...)
	sum := blake2b.Sum256(buf)
	return "0x" + hex.EncodeToString(sum[:])
}

// SignTransaction signs base64 BCS transaction bytes and returns the
// serialized signature Sui expects: base64(flag || sig || pubkey). The
// signed digest is blake2b-256 over the intent prefix plus the raw
// transaction bytes.
func (s *Signer) SignTransaction(txBytesB64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return "", fmt.Errorf("decoding transaction bytes: %w", err)
	}

	msg := make([]byte, 0, len(intentScope)+len(txBytes))
	msg = append(msg, intentScope...)
	msg = append(msg, txBytes...)
	digest := blake2b.Sum256(msg)

	sig := ed25519.Sign(s.key, digest[:])
	pub := s.key.Public().(ed25519.PublicKey)

	serialized := make([]byte, 0, 1+len(sig)+len(pub))
	serialized = append(serialized, ed25519Flag)
	serialized = append(serialized, sig...)
	serialized = append(serialized, pub...)
	return base64.StdEncoding.EncodeToString(serialized), nil
}
