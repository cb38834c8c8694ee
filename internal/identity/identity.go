package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/multiformats/go-multibase"

	werr "weft/internal/errors"
)

// ed25519Multicodec is the multicodec prefix for Ed25519 public keys (0xED01).
var ed25519Multicodec = []byte{0xed, 0x01}

const didKeyPrefix = "did:key:"

// Identity holds an Ed25519 keypair and the derived DID. The DID is the
// stable public identifier attached to every operation an author signs.
type Identity struct {
	DID       string
	PublicKey ed25519.PublicKey

	priv ed25519.PrivateKey
}

// identityFile is the on-disk representation.
type identityFile struct {
	DID        string `json:"did"`
	PublicKey  string `json:"public_key"`  // base64-encoded 32 bytes
	PrivateKey string `json:"private_key"` // base64-encoded 32-byte seed
}

// Generate creates a new Ed25519 keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Identity{
		DID:       EncodeDID(pub),
		PublicKey: pub,
		priv:      priv,
	}, nil
}

// LoadOrCreate reads the identity file at path, generating and persisting
// a new identity if none exists.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return fromFile(f)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.save(path); err != nil {
		return nil, err
	}
	return id, nil
}

func fromFile(f identityFile) (*Identity, error) {
	pub, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong size %d", len(pub))
	}
	seed, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed has wrong size %d", len(seed))
	}

	return &Identity{
		DID:       f.DID,
		PublicKey: ed25519.PublicKey(pub),
		priv:      ed25519.NewKeyFromSeed(seed),
	}, nil
}

func (id *Identity) save(path string) error {
	f := identityFile{
		DID:        id.DID,
		PublicKey:  base64.StdEncoding.EncodeToString(id.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(id.priv.Seed()),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// Sign signs data with the local private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id.priv == nil {
		return nil, werr.Signing("no private key available", nil)
	}
	return ed25519.Sign(id.priv, data), nil
}

// Public returns a verification-only copy of the identity, with no
// signing capability.
func (id *Identity) Public() *Identity {
	return &Identity{DID: id.DID, PublicKey: id.PublicKey}
}

// EncodeDID encodes a raw Ed25519 public key as did:key:z... using the
// 0xED01 multicodec prefix and base58btc multibase encoding.
func EncodeDID(publicKey ed25519.PublicKey) string {
	prefixed := append(append([]byte{}, ed25519Multicodec...), publicKey...)
	encoded, _ := multibase.Encode(multibase.Base58BTC, prefixed)
	return didKeyPrefix + encoded
}

// DecodeDID extracts the Ed25519 public key from a did:key identifier.
func DecodeDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("not a did:key identifier: %q", did)
	}
	_, data, err := multibase.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode did:key: %w", err)
	}
	if len(data) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("did:key has wrong length %d", len(data))
	}
	if data[0] != ed25519Multicodec[0] || data[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("did:key has wrong multicodec prefix")
	}
	return ed25519.PublicKey(data[2:]), nil
}

// Verify checks sig over data against the public key encoded in did.
func Verify(did string, data, sig []byte) bool {
	pub, err := DecodeDID(did)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
