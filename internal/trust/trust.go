// Package trust verifies a controller's identity via a pinned RSA public
// key challenge-response before any policy sync or data upload is allowed
// to proceed (spec §4.E).
package trust

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/agentmesh/agent-core/internal/errs"
)

// ReplayWindow is the maximum age a handshake timestamp may have.
const ReplayWindow = 30 * time.Second

// VerificationTTL is how long a successful verification remains valid
// before the next sync must perform a fresh handshake.
const VerificationTTL = 24 * time.Hour

// Handshake is the payload returned by the controller's handshake
// resource (spec §4.E step 2).
type Handshake struct {
	Nonce       string
	TimestampMS int64
	Signature   string
	Version     string
}

// Verifier checks handshake responses against a pinned public key and
// tracks the last successful verification time.
type Verifier struct {
	pinnedKey *rsa.PublicKey

	lastVerifiedAt time.Time
}

// NewVerifier parses a PEM-encoded RSA public key. An empty pemKey is
// valid and causes every Verify call to fail with ReasonNoPinnedKey,
// matching the unprovisioned-agent case.
func NewVerifier(pemKey string) (*Verifier, error) {
	if pemKey == "" {
		return &Verifier{}, nil
	}

	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("%w: not valid PEM", errs.ErrConfig)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", errs.ErrConfig, err)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: pinned key is not RSA", errs.ErrConfig)
	}

	return &Verifier{pinnedKey: rsaKey}, nil
}

// Verify checks a handshake response at wall-clock time now and records
// the verification on success.
func (v *Verifier) Verify(h Handshake, now time.Time) error {
	if v.pinnedKey == nil {
		return &errs.VerificationError{Reason: errs.ReasonNoPinnedKey}
	}

	ageMS := now.UnixMilli() - h.TimestampMS
	if ageMS < 0 {
		return &errs.VerificationError{Reason: errs.ReasonClockSkew}
	}
	if ageMS > ReplayWindow.Milliseconds() {
		return &errs.VerificationError{Reason: errs.ReasonStaleChallenge}
	}

	sig, err := base64.StdEncoding.DecodeString(h.Signature)
	if err != nil {
		return &errs.VerificationError{Reason: errs.ReasonMalformedResponse, Cause: err}
	}

	challenge := fmt.Sprintf("%s:%d", h.Nonce, h.TimestampMS)
	digest := sha256.Sum256([]byte(challenge))

	if err := rsa.VerifyPKCS1v15(v.pinnedKey, crypto.SHA256, digest[:], sig); err != nil {
		return &errs.VerificationError{Reason: errs.ReasonSignatureMismatch, Cause: err}
	}

	v.lastVerifiedAt = now
	return nil
}

// Valid reports whether a prior verification is still within the TTL at
// wall-clock time now. A zero lastVerifiedAt is never valid.
func (v *Verifier) Valid(now time.Time) bool {
	if v.lastVerifiedAt.IsZero() {
		return false
	}
	return now.Sub(v.lastVerifiedAt) <= VerificationTTL
}
