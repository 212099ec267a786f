package manifest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid marks a signature that does not verify against
	// the canonical manifest bytes. Always a hard failure.
	ErrSignatureInvalid = errors.New("manifest signature invalid")
	// ErrTrustVerificationFailed marks a structural problem that prevents
	// verification (missing key, bad encoding, no trust anchor).
	ErrTrustVerificationFailed = errors.New("manifest trust verification failed")
)

// TrustLevel classifies a manifest signature's provenance.
type TrustLevel string

const (
	// TrustUnsigned is a manifest with no signature at all.
	TrustUnsigned TrustLevel = "unsigned"
	// TrustSelfSigned means the embedded key verifies the signature but is
	// not independently attested.
	TrustSelfSigned TrustLevel = "self-signed"
	// TrustVerified means the signing key is in a caller-supplied trusted set.
	TrustVerified TrustLevel = "verified"
	// TrustEnterprise is reserved for PKI-chain attestation. Only its
	// verification contract exists here; no issuance is performed.
	TrustEnterprise TrustLevel = "enterprise"
)

// SignedManifest is a manifest plus its ed25519 signature over the
// canonical form of every other field.
type SignedManifest struct {
	Manifest
	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// GenerateKeyPair creates a fresh ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key pair: %w", err)
	}
	return pub, priv, nil
}

// signingBytes is the canonical form signed and verified: the full signed
// manifest with the signature field emptied, so the embedded public key is
// itself covered by the signature.
func signingBytes(sm *SignedManifest) ([]byte, error) {
	unsigned := *sm
	unsigned.Signature = ""
	return canonicalize(unsigned)
}

// Sign produces a SignedManifest embedding the public key and a signature
// over the canonical manifest bytes.
func Sign(m *Manifest, priv ed25519.PrivateKey) (*SignedManifest, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad private key length %d", ErrTrustVerificationFailed, len(priv))
	}
	sm := &SignedManifest{
		Manifest:  *m,
		PublicKey: base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}
	data, err := signingBytes(sm)
	if err != nil {
		return nil, err
	}
	sm.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
	return sm, nil
}

// Verify checks the signature against expectedKey when supplied, otherwise
// against the embedded public key. A manifest with no signature verifies
// as unsigned with no check performed. Any mismatch is ErrSignatureInvalid.
func Verify(sm *SignedManifest, expectedKey ed25519.PublicKey) (TrustLevel, error) {
	if sm.Signature == "" && sm.PublicKey == "" {
		return TrustUnsigned, nil
	}
	if sm.Signature == "" || sm.PublicKey == "" {
		return TrustUnsigned, fmt.Errorf("%w: signature and public key must both be present", ErrTrustVerificationFailed)
	}

	embedded, err := decodeKey(sm.PublicKey)
	if err != nil {
		return TrustUnsigned, err
	}
	key := embedded
	if expectedKey != nil {
		if !embedded.Equal(expectedKey) {
			return TrustUnsigned, fmt.Errorf("%w: embedded key does not match expected key", ErrSignatureInvalid)
		}
		key = expectedKey
	}

	sig, err := base64.StdEncoding.DecodeString(sm.Signature)
	if err != nil {
		return TrustUnsigned, fmt.Errorf("%w: bad signature encoding: %v", ErrTrustVerificationFailed, err)
	}
	data, err := signingBytes(sm)
	if err != nil {
		return TrustUnsigned, err
	}
	if !ed25519.Verify(key, data, sig) {
		return TrustUnsigned, ErrSignatureInvalid
	}
	return TrustSelfSigned, nil
}

// VerifyCA verifies the signature and, when the signing key is one of the
// caller-supplied trusted keys, elevates trust to verified. An absent key
// keeps trust at self-signed; trust is never upgraded implicitly.
func VerifyCA(sm *SignedManifest, trustedKeys []ed25519.PublicKey) (TrustLevel, error) {
	level, err := Verify(sm, nil)
	if err != nil {
		return level, err
	}
	if level != TrustSelfSigned {
		return level, nil
	}
	embedded, err := decodeKey(sm.PublicKey)
	if err != nil {
		return TrustUnsigned, err
	}
	for _, trusted := range trustedKeys {
		if embedded.Equal(trusted) {
			return TrustVerified, nil
		}
	}
	return TrustSelfSigned, nil
}

func decodeKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key encoding: %v", ErrTrustVerificationFailed, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key length %d", ErrTrustVerificationFailed, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
