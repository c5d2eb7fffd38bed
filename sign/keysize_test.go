package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/digitorus/signserver/internal/testpki"
)

func TestPublicKeySignatureSize(t *testing.T) {
	rsa2048, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		pub     crypto.PublicKey
		want    int
		wantErr error
	}{
		{"RSA 2048", &rsa2048.PublicKey, 256, nil},
		{"ECDSA P-256", &p256.PublicKey, 73, nil},
		{"ECDSA P-384", &p384.PublicKey, 105, nil},
		{"Ed25519", edPub, 0, ErrUnsupportedKey},
		{"nil", nil, 0, ErrNilPublicKey},
		{"RSA without modulus", &rsa.PublicKey{}, 0, ErrUnsupportedKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PublicKeySignatureSize(tt.pub)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PublicKeySignatureSize() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("PublicKeySignatureSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimateContentsSize(t *testing.T) {
	s := newTestSigner(t, testpki.RSA_2048)

	base, err := EstimateContentsSize(s.chain[:1], false, 0)
	if err != nil {
		t.Fatalf("EstimateContentsSize() error = %v", err)
	}
	withChain, err := EstimateContentsSize(s.chain, false, 0)
	if err != nil {
		t.Fatalf("EstimateContentsSize() error = %v", err)
	}
	withTimestamp, err := EstimateContentsSize(s.chain, true, 0)
	if err != nil {
		t.Fatalf("EstimateContentsSize() error = %v", err)
	}
	withReserve, err := EstimateContentsSize(s.chain, true, 2048)
	if err != nil {
		t.Fatalf("EstimateContentsSize() error = %v", err)
	}

	if base < containerBaseSize+256+len(s.chain[0].Raw) {
		t.Errorf("estimate %d does not account for the leaf certificate and signature", base)
	}
	if withChain <= base {
		t.Errorf("chain certificates are not counted: %d <= %d", withChain, base)
	}
	if withTimestamp != withChain+estimatedTimestampTokenSize {
		t.Errorf("timestamp estimate = %d, want %d", withTimestamp, withChain+estimatedTimestampTokenSize)
	}
	if withReserve != withTimestamp+2048 {
		t.Errorf("reserve estimate = %d, want %d", withReserve, withTimestamp+2048)
	}

	if _, err := EstimateContentsSize(nil, false, 0); !errors.Is(err, ErrEmptyChain) {
		t.Errorf("expected ErrEmptyChain, got %v", err)
	}
}

func TestValidateSignerCertificateMatch(t *testing.T) {
	s := newTestSigner(t, testpki.ECDSA_P256)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	if err := ValidateSignerCertificateMatch(s.key, s.chain[0]); err != nil {
		t.Errorf("matching key: %v", err)
	}
	if err := ValidateSignerCertificateMatch(other, s.chain[0]); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("expected ErrKeyMismatch, got %v", err)
	}
	if err := ValidateSignerCertificateMatch(nil, s.chain[0]); !errors.Is(err, ErrNilSigner) {
		t.Errorf("expected ErrNilSigner, got %v", err)
	}
	if err := ValidateSignerCertificateMatch(s.key, nil); !errors.Is(err, ErrNilCertificate) {
		t.Errorf("expected ErrNilCertificate, got %v", err)
	}
}
