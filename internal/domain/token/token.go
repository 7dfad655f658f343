// Package token implements the single-use QR token protocol used at the
// circulation desk. Tokens are opaque to the holder but deterministically
// derivable from the transaction ID, the intended transition, an expiry
// timestamp, and a server secret, so issuance needs no storage. Single use
// is enforced at redemption time by a claim row in the transaction store.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/google/uuid"
)

// ErrTokenInvalid indicates a token that is malformed or whose signature
// does not verify
var ErrTokenInvalid = errors.New("qr token is malformed or has an invalid signature")

// Transition names the scan action a token authorizes
type Transition string

const (
	TransitionPickup Transition = "PICKUP"
	TransitionReturn Transition = "RETURN"
)

// Event maps the token transition to the state machine event it drives
func (t Transition) Event() loan.TransitionEvent {
	if t == TransitionReturn {
		return loan.EventReturnScan
	}
	return loan.EventPickupScan
}

// QRToken binds one scan action to exactly one transaction and one intended
// transition. It is ephemeral: nothing is persisted until redemption claims
// it.
type QRToken struct {
	TransactionID      uuid.UUID  `json:"transaction_id"`
	IntendedTransition Transition `json:"intended_transition"`
	IssuedAt           time.Time  `json:"issued_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
}

// ExpiredAt reports whether the token is past its lifetime at the given
// instant
func (t QRToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Wire layout: 16 bytes transaction ID, 1 byte transition, 8 bytes issued-at
// (unix seconds), 8 bytes expires-at (unix seconds), 32 bytes HMAC-SHA256.
const (
	payloadLen = 16 + 1 + 8 + 8
	tokenLen   = payloadLen + sha256.Size

	transitionBytePickup = 0x01
	transitionByteReturn = 0x02
)

// Codec encodes and decodes signed QR tokens
type Codec struct {
	secret []byte
}

// NewCodec creates a codec signing with the given server secret
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: secret}
}

// Encode serializes and signs the token into its opaque base64url form,
// exactly as embedded in the QR payload
func (c *Codec) Encode(t QRToken) string {
	buf := make([]byte, payloadLen, tokenLen)
	copy(buf[:16], t.TransactionID[:])
	if t.IntendedTransition == TransitionReturn {
		buf[16] = transitionByteReturn
	} else {
		buf[16] = transitionBytePickup
	}
	binary.BigEndian.PutUint64(buf[17:25], uint64(t.IssuedAt.Unix()))
	binary.BigEndian.PutUint64(buf[25:33], uint64(t.ExpiresAt.Unix()))

	buf = append(buf, c.sign(buf[:payloadLen])...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode verifies and deserializes an opaque token string. Expiry is not
// checked here; callers compare ExpiresAt against their own clock so that
// expired-but-authentic tokens are distinguishable from forgeries.
func (c *Codec) Decode(encoded string) (QRToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) != tokenLen {
		return QRToken{}, ErrTokenInvalid
	}

	expected := c.sign(raw[:payloadLen])
	if !hmac.Equal(raw[payloadLen:], expected) {
		return QRToken{}, ErrTokenInvalid
	}

	var t QRToken
	copy(t.TransactionID[:], raw[:16])
	switch raw[16] {
	case transitionBytePickup:
		t.IntendedTransition = TransitionPickup
	case transitionByteReturn:
		t.IntendedTransition = TransitionReturn
	default:
		return QRToken{}, ErrTokenInvalid
	}
	t.IssuedAt = time.Unix(int64(binary.BigEndian.Uint64(raw[17:25])), 0).UTC()
	t.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint64(raw[25:33])), 0).UTC()

	return t, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Digest returns the claim-row identity for an encoded token. Claiming is
// keyed by this digest rather than the raw token so the store never holds
// redeemable token material.
func Digest(encoded string) string {
	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:])
}
