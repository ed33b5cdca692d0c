// Package author implements the Local author of spec.md §3: a name plus an
// asymmetric signing key pair, whose canonically-serialized public
// verifying key identifies the author in every signature it produces.
//
// Key handling follows the shape of Kopia's auth package
// (_examples/kopia-kopia/auth/keys.go): a private key type that derives
// its public counterpart and a canonical serialization for it.
package author

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/pkg/errors"

	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

// VerifyKey is an author's public signing key, serialized canonically as
// unpadded base32 (lowercase), the same alphabet Tahoe-LAFS uses for
// capability key material so verify keys read naturally alongside them.
type VerifyKey struct {
	key ed25519.PublicKey
}

// String returns the canonical serialization of the verify key.
func (v VerifyKey) String() string {
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(v.key))
}

// Equal reports whether two verify keys are the same key.
func (v VerifyKey) Equal(o VerifyKey) bool {
	return strings.EqualFold(v.String(), o.String())
}

// Verify checks sig over msg against this verify key.
func (v VerifyKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(v.key, msg, sig)
}

// ParseVerifyKey decodes a canonically-serialized verify key.
func ParseVerifyKey(s string) (VerifyKey, error) {
	b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
	if err != nil {
		return VerifyKey{}, errkind.Wrap(errkind.Validation, err, "malformed verify key")
	}

	if len(b) != ed25519.PublicKeySize {
		return VerifyKey{}, errkind.New(errkind.Validation, "verify key has wrong length")
	}

	return VerifyKey{key: ed25519.PublicKey(b)}, nil
}

// SigningKey is an author's private signing key.
type SigningKey struct {
	key ed25519.PrivateKey
}

// Sign produces a detached signature over msg.
func (s SigningKey) Sign(msg []byte) []byte {
	return ed25519.Sign(s.key, msg)
}

// VerifyKey returns the public counterpart of this signing key.
func (s SigningKey) VerifyKey() VerifyKey {
	pub, ok := s.key.Public().(ed25519.PublicKey)
	if !ok {
		panic("ed25519 private key produced non-ed25519 public key")
	}

	return VerifyKey{key: pub}
}

// Bytes returns the raw private key seed, suitable for persisting in folder
// configuration (spec.md §3 Folder configuration carries the author).
func (s SigningKey) Bytes() []byte {
	return ed25519.NewKeyFromSeed(s.key.Seed()).Seed()
}

// SigningKeyFromSeed reconstructs a SigningKey from a previously persisted
// 32-byte seed.
func SigningKeyFromSeed(seed []byte) (SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKey{}, errkind.New(errkind.Validation, "signing key seed has wrong length")
	}

	return SigningKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewSigningKey generates a fresh random signing key pair.
func NewSigningKey() (SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return SigningKey{}, errors.Wrap(err, "generate ed25519 key")
	}

	return SigningKey{key: priv}, nil
}

// Author is the Local author of spec.md §3: a human-readable name plus a
// signing key pair.
type Author struct {
	Name string
	Key  SigningKey
}

// New creates an Author with a freshly generated signing key, mirroring
// create_local_author in the original Python implementation
// (_examples/original_source/src/magic_folder/test/test_upload.py:
// `self.author = create_local_author("alice")`).
func New(name string) (Author, error) {
	k, err := NewSigningKey()
	if err != nil {
		return Author{}, err
	}

	return Author{Name: name, Key: k}, nil
}

// VerifyKey returns the author's public verifying key.
func (a Author) VerifyKey() VerifyKey {
	return a.Key.VerifyKey()
}

// Identity is the public-only half of an Author: a name plus a verify key,
// with no signing capability. Local snapshots and remote participants are
// recorded by Identity — only the process that owns the private signing
// key ever handles a full Author.
type Identity struct {
	Name      string
	VerifyKey VerifyKey
}

// Identity returns the public identity of this author.
func (a Author) Identity() Identity {
	return Identity{Name: a.Name, VerifyKey: a.VerifyKey()}
}
