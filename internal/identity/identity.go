// Package identity holds party key pairs and the registry used to check
// signatures produced by other parties and by the notary.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
)

// KeyPair is the signing identity of one party.
type KeyPair struct {
	Name       string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// Generate creates a fresh key pair for name. A nil reader uses crypto/rand.
func Generate(name string, reader io.Reader) (*KeyPair, error) {
	if reader == nil {
		reader = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", name, err)
	}
	return &KeyPair{Name: name, PublicKey: pub, privateKey: priv}, nil
}

// FromSecret derives a deterministic key pair from a shared secret, so every
// process of a configured network agrees on the same keys.
func FromSecret(name, secret string) *KeyPair {
	seed := sha256.Sum256([]byte(secret + "/" + name))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &KeyPair{Name: name, PublicKey: priv.Public().(ed25519.PublicKey), privateKey: priv}
}

// Sign signs msg with the party's private key.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.privateKey, msg)
}

// PublicKeyHex returns the hex encoded public key.
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// Registry maps party names to their public keys.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]ed25519.PublicKey)}
}

// Register adds or replaces the public key for name.
func (r *Registry) Register(name string, key ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[name] = key
}

// PublicKey returns the key registered for name.
func (r *Registry) PublicKey(name string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[name]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("unknown party %s", name))
	}
	return key, nil
}

// Parties returns the registered party names.
func (r *Registry) Parties() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify checks that sig is name's signature over msg.
func (r *Registry) Verify(name string, msg, sig []byte) error {
	key, err := r.PublicKey(name)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSignatureInvalid, fmt.Sprintf("no key registered for %s", name), err)
	}
	if !ed25519.Verify(key, msg, sig) {
		return apperrors.New(apperrors.CodeSignatureInvalid, fmt.Sprintf("signature by %s does not verify", name))
	}
	return nil
}
