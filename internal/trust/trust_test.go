package trust

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agent-core/internal/errs"
)

func genKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	pemBlock := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return priv, string(pemBlock)
}

func sign(t *testing.T, priv *rsa.PrivateKey, nonce string, tsMS int64) string {
	t.Helper()
	challenge := fmt.Sprintf("%s:%d", nonce, tsMS)
	digest := sha256.Sum256([]byte(challenge))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifySucceedsWithValidSignature(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	now := time.Now()
	nonce := "abcdefabcdefabcdefabcdefabcdefab"
	h := Handshake{Nonce: nonce, TimestampMS: now.UnixMilli(), Signature: sign(t, priv, nonce, now.UnixMilli())}

	require.NoError(t, v.Verify(h, now))
	require.True(t, v.Valid(now))
}

func TestVerifyRejectsNoPinnedKey(t *testing.T) {
	v, err := NewVerifier("")
	require.NoError(t, err)

	err = v.Verify(Handshake{}, time.Now())
	require.ErrorIs(t, err, errs.ErrParentUnverified)

	var verr *errs.VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, errs.ReasonNoPinnedKey, verr.Reason)
}

func TestVerifyRejectsStaleChallenge(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	now := time.Now()
	tsMS := now.Add(-31 * time.Second).UnixMilli()
	nonce := "abcdefabcdefabcdefabcdefabcdefab"
	h := Handshake{Nonce: nonce, TimestampMS: tsMS, Signature: sign(t, priv, nonce, tsMS)}

	err = v.Verify(h, now)
	var verr *errs.VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, errs.ReasonStaleChallenge, verr.Reason)
}

func TestVerifyAcceptsBoundaryAt30000MS(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	now := time.Now()
	tsMS := now.Add(-30 * time.Second).UnixMilli()
	nonce := "abcdefabcdefabcdefabcdefabcdefab"
	h := Handshake{Nonce: nonce, TimestampMS: tsMS, Signature: sign(t, priv, nonce, tsMS)}

	require.NoError(t, v.Verify(h, now))
}

func TestVerifyRejectsClockSkew(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	now := time.Now()
	tsMS := now.Add(5 * time.Second).UnixMilli()
	nonce := "abcdefabcdefabcdefabcdefabcdefab"
	h := Handshake{Nonce: nonce, TimestampMS: tsMS, Signature: sign(t, priv, nonce, tsMS)}

	err = v.Verify(h, now)
	var verr *errs.VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, errs.ReasonClockSkew, verr.Reason)
}

func TestVerifyRejectsSignatureMismatch(t *testing.T) {
	_, pubPEM := genKeyPair(t)
	otherPriv, _ := genKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	now := time.Now()
	nonce := "abcdefabcdefabcdefabcdefabcdefab"
	h := Handshake{Nonce: nonce, TimestampMS: now.UnixMilli(), Signature: sign(t, otherPriv, nonce, now.UnixMilli())}

	err = v.Verify(h, now)
	var verr *errs.VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, errs.ReasonSignatureMismatch, verr.Reason)
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	_, pubPEM := genKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	now := time.Now()
	h := Handshake{Nonce: "n", TimestampMS: now.UnixMilli(), Signature: "not-base64!!"}

	err = v.Verify(h, now)
	var verr *errs.VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, errs.ReasonMalformedResponse, verr.Reason)
}

func TestValidRespectsTTL(t *testing.T) {
	v := &Verifier{}
	require.False(t, v.Valid(time.Now()))

	verifiedAt := time.Now()
	v.lastVerifiedAt = verifiedAt
	require.True(t, v.Valid(verifiedAt.Add(VerificationTTL)))
	require.False(t, v.Valid(verifiedAt.Add(VerificationTTL+time.Second)))
}
