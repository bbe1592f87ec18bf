package docsync

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// identities are secp256k1 keys. The public identity is the 32 byte
// x-only public key, hex encoded, which is what appears as the signer
// on every published event.

func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// a key format error is fatal to the operation that supplied the key,
// never to the engine
func ParseKey(privateKeyHex string) (*secp256k1.PrivateKey, error) {
	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("bad private key encoding: %w", err)
	}
	if len(privateKeyBytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes: %d", len(privateKeyBytes))
	}
	return secp256k1.PrivKeyFromBytes(privateKeyBytes), nil
}

func PrivateKeyHex(privateKey *secp256k1.PrivateKey) string {
	return hex.EncodeToString(privateKey.Serialize())
}

// the x-only public key
func PublicKeyHex(privateKey *secp256k1.PrivateKey) string {
	return hex.EncodeToString(privateKey.PubKey().SerializeCompressed()[1:])
}
