// Package pairing produces and consumes the one-shot bundle the
// controller shows when a session is created: the JSON payload a
// scanner picks up, a base58 line for manual entry on devices without
// a camera, and a short verification phrase both ends can compare
// out-of-band once keys are exchanged.
package pairing

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"

	"doomcode/go-backend/internal/crypto"
)

// PayloadTTL is how long a rendered pairing payload stays valid.
const PayloadTTL = 5 * time.Minute

const phraseWords = 4

var (
	ErrExpired        = errors.New("pairing payload expired")
	ErrMissingField   = errors.New("pairing payload missing field")
	ErrBadPublicKey   = errors.New("pairing public key malformed")
	ErrBadTextPayload = errors.New("pairing text payload malformed")
)

// Payload is the wire form consumed by the operator.
type Payload struct {
	SessionID string `json:"sessionId"`
	PublicKey string `json:"publicKey"`
	RelayURL  string `json:"relayUrl"`
	ExpiresAt int64  `json:"expiresAt"`
}

// New stamps a payload for the given session and controller key.
func New(sessionID string, publicKey [crypto.KeySize]byte, relayURL string) Payload {
	return Payload{
		SessionID: sessionID,
		PublicKey: base64.StdEncoding.EncodeToString(publicKey[:]),
		RelayURL:  relayURL,
		ExpiresAt: time.Now().Add(PayloadTTL).UnixMilli(),
	}
}

// Encode renders the JSON wire form (what the QR code carries).
func (p Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EncodeText renders a single typable base58 line as the textual
// fallback for manual entry.
func (p Payload) EncodeText() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

// Validate checks shape and expiry against now.
func (p Payload) Validate(now time.Time) error {
	if p.SessionID == "" || p.PublicKey == "" || p.RelayURL == "" || p.ExpiresAt == 0 {
		return ErrMissingField
	}
	key, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(key) != crypto.KeySize {
		return ErrBadPublicKey
	}
	if now.UnixMilli() >= p.ExpiresAt {
		return ErrExpired
	}
	return nil
}

// Decode parses either wire form: raw JSON or the base58 line.
func Decode(s string, now time.Time) (Payload, error) {
	s = strings.TrimSpace(s)
	raw := []byte(s)
	if !strings.HasPrefix(s, "{") {
		decoded, err := base58.Decode(s)
		if err != nil {
			return Payload{}, errors.Join(ErrBadTextPayload, err)
		}
		raw = decoded
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, errors.Join(ErrBadTextPayload, err)
	}
	if err := p.Validate(now); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// VerificationPhrase derives a short word sequence from both public
// keys, order-independent, so controller and operator can read the
// same words to each other and detect a swapped channel.
func VerificationPhrase(keyA, keyB []byte) string {
	a, b := keyA, keyB
	if string(a) > string(b) {
		a, b = b, a
	}
	sum := sha256.Sum256(append(append([]byte("doomcode/verify/v1|"), a...), b...))
	words := bip39.GetWordList()
	out := make([]string, 0, phraseWords)
	for i := 0; i < phraseWords; i++ {
		idx := (int(sum[2*i])<<8 | int(sum[2*i+1])) % len(words)
		out = append(out, words[idx])
	}
	return strings.Join(out, " ")
}
