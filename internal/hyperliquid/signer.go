package hyperliquid

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces the venue's EIP-712-style action signatures. The payload
// hash commits to the serialized action, the wall-clock-millisecond nonce,
// and the vault flag; the typed-data envelope is signed with the in-memory
// key. The key is never persisted or logged.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	isTestnet  bool
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(keyHex string, isTestnet bool) (*Signer, error) {
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		isTestnet:  isTestnet,
	}, nil
}

// Address returns the signing wallet's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAction signs an exchange action for the given nonce and returns the
// wire signature.
func (s *Signer) SignAction(action interface{}, nonce int64) (wireSignature, error) {
	connectionID, err := actionHash(action, nonce)
	if err != nil {
		return wireSignature{}, err
	}

	source := "a" // mainnet
	if s.isTestnet {
		source = "b"
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(1337)),
			VerifyingContract: common.Address{}.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID[:],
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return wireSignature{}, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return wireSignature{}, fmt.Errorf("sign action: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return wireSignature{
		R: "0x" + common.Bytes2Hex(sig[:32]),
		S: "0x" + common.Bytes2Hex(sig[32:64]),
		V: sig[64],
	}, nil
}

// actionHash commits to the action payload, nonce and vault flag.
func actionHash(action interface{}, nonce int64) (common.Hash, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return common.Hash{}, fmt.Errorf("marshal action: %w", err)
	}

	data := make([]byte, 0, len(payload)+9)
	data = append(data, payload...)
	data = binary.BigEndian.AppendUint64(data, uint64(nonce))
	data = append(data, 0x00) // no vault address

	return crypto.Keccak256Hash(data), nil
}
