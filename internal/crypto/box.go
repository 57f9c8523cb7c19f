// Package crypto provides the end-to-end cipher used between the
// controller and the operator: long-lived Curve25519 keypairs and a
// precomputed NaCl box (x25519-xsalsa20-poly1305) over opaque
// payloads. The relay never holds any of this material.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the byte length of both halves of a keypair.
	KeySize = 32
	// NonceSize is the byte length of a box nonce.
	NonceSize = 24
)

var (
	ErrAuthFailure   = errors.New("message authentication failed")
	ErrInvalidKey    = errors.New("invalid key length")
	ErrInvalidNonce  = errors.New("invalid nonce length")
	ErrEmptyMessage  = errors.New("empty ciphertext")
	ErrEntropySource = errors.New("entropy source unavailable")
)

// Keypair holds one endpoint's Curve25519 keys. The secret half never
// leaves the device that minted it.
type Keypair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateKeypair mints a fresh keypair from the platform CSPRNG.
func GenerateKeypair() (Keypair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, errors.Join(ErrEntropySource, err)
	}
	return Keypair{Public: *pub, Secret: *sec}, nil
}

// KeypairFromSecret rebuilds a keypair from a persisted secret key.
func KeypairFromSecret(secret []byte) (Keypair, error) {
	if len(secret) != KeySize {
		return Keypair{}, ErrInvalidKey
	}
	var kp Keypair
	copy(kp.Secret[:], secret)
	pub, err := PublicFromSecret(secret)
	if err != nil {
		return Keypair{}, err
	}
	kp.Public = pub
	return kp, nil
}

// PublicFromSecret derives the public half of a Curve25519 secret.
func PublicFromSecret(secret []byte) ([KeySize]byte, error) {
	var out, sec [KeySize]byte
	if len(secret) != KeySize {
		return out, ErrInvalidKey
	}
	copy(sec[:], secret)
	curve25519.ScalarBaseMult(&out, &sec)
	return out, nil
}

// Box is a sealed channel to one peer. The shared key is precomputed
// once per pairing and dropped with the session.
type Box struct {
	shared [KeySize]byte
}

// NewBox precomputes the X25519 shared secret between our secret key
// and the peer's public key.
func NewBox(mySecret, peerPublic []byte) (*Box, error) {
	if len(mySecret) != KeySize || len(peerPublic) != KeySize {
		return nil, ErrInvalidKey
	}
	var sec, pub [KeySize]byte
	copy(sec[:], mySecret)
	copy(pub[:], peerPublic)
	b := &Box{}
	box.Precompute(&b.shared, &pub, &sec)
	return b, nil
}

// Seal encrypts plaintext under a fresh random 24-byte nonce.
func (b *Box) Seal(plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, errors.Join(ErrEntropySource, err)
	}
	ciphertext = box.SealAfterPrecomputation(nil, plaintext, &nonce, &b.shared)
	return nonce, ciphertext, nil
}

// Open authenticates and decrypts. Any tampering, truncation, or
// cross-session misrouting surfaces as ErrAuthFailure; callers never
// see partial plaintext.
func (b *Box) Open(nonce []byte, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	if len(ciphertext) == 0 {
		return nil, ErrEmptyMessage
	}
	var n [NonceSize]byte
	copy(n[:], nonce)
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &n, &b.shared)
	if !ok {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
