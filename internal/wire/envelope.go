// Package wire defines the two frame shapes shared by the relay
// transport: plaintext control frames carrying an action, and opaque
// envelope frames carrying ciphertext the relay routes but never
// decodes. Disambiguation is by key presence, not by a wrapper type,
// so both ends stay compatible with schemaless peers.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"doomcode/go-backend/internal/crypto"
)

// EnvelopeVersion is the only wire version this build speaks.
const EnvelopeVersion = 1

// Roles a connection can hold in a session.
const (
	RoleController = "controller"
	RoleOperator   = "operator"
)

var (
	ErrBadVersion   = errors.New("unsupported envelope version")
	ErrMissingField = errors.New("missing envelope field")
	ErrBadSender    = errors.New("sender must be controller or operator")
	ErrBadEncoding  = errors.New("nonce/ciphertext must be base64")
	ErrBadNonceSize = errors.New("nonce must decode to 24 bytes")
	ErrNotEnvelope  = errors.New("frame is not an envelope")
	ErrNotControl   = errors.New("frame is not a control frame")
)

// Envelope is the outermost frame for encrypted payloads. The relay
// reads only the header fields for routing; EncryptedPayload stays
// opaque end to end.
type Envelope struct {
	Version          int    `json:"version"`
	SessionID        string `json:"sessionId"`
	MessageID        string `json:"messageId"`
	Timestamp        int64  `json:"timestamp"`
	Sender           string `json:"sender"`
	Nonce            string `json:"nonce"`
	EncryptedPayload string `json:"encryptedPayload"`
}

// NewEnvelope stamps a fresh envelope around sealed bytes. Timestamp
// is the producer clock in unix milliseconds, advisory only.
func NewEnvelope(sessionID, sender string, nonce [crypto.NonceSize]byte, ciphertext []byte) Envelope {
	return Envelope{
		Version:          EnvelopeVersion,
		SessionID:        sessionID,
		MessageID:        uuid.NewString(),
		Timestamp:        time.Now().UnixMilli(),
		Sender:           sender,
		Nonce:            base64.StdEncoding.EncodeToString(nonce[:]),
		EncryptedPayload: base64.StdEncoding.EncodeToString(ciphertext),
	}
}

// Encode marshals the envelope for the transport.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks the header without touching the ciphertext.
func (e Envelope) Validate() error {
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, e.Version)
	}
	if e.SessionID == "" || e.MessageID == "" || e.Nonce == "" || e.EncryptedPayload == "" {
		return ErrMissingField
	}
	if e.Sender != RoleController && e.Sender != RoleOperator {
		return fmt.Errorf("%w: %q", ErrBadSender, e.Sender)
	}
	nonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return errors.Join(ErrBadEncoding, err)
	}
	if len(nonce) != crypto.NonceSize {
		return ErrBadNonceSize
	}
	if _, err := base64.StdEncoding.DecodeString(e.EncryptedPayload); err != nil {
		return errors.Join(ErrBadEncoding, err)
	}
	return nil
}

// Sealed returns the decoded nonce and ciphertext for crypto.Box.
func (e Envelope) Sealed() (nonce []byte, ciphertext []byte, err error) {
	nonce, err = base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, nil, errors.Join(ErrBadEncoding, err)
	}
	ciphertext, err = base64.StdEncoding.DecodeString(e.EncryptedPayload)
	if err != nil {
		return nil, nil, errors.Join(ErrBadEncoding, err)
	}
	return nonce, ciphertext, nil
}

// DecodeEnvelope parses and validates an envelope frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, err
	}
	if _, ok := probe["encryptedPayload"]; !ok {
		return Envelope{}, ErrNotEnvelope
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
