package certs

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/pkcs12"
)

// KeyBundle is the signing key of a PKCS#12 bundle with its chain.
type KeyBundle struct {
	Signer crypto.Signer
	Chain  Chain
}

// LoadKeyBundle decrypts a PKCS#12 bundle. The chain starts with the
// certificate that matches the private key and follows the issuers present
// in the bundle.
func LoadKeyBundle(pfx []byte, password string) (*KeyBundle, error) {
	blocks, err := pkcs12.ToPEM(pfx, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrBadPassword
		}
		return nil, fmt.Errorf("failed to decode key bundle: %w", err)
	}

	var (
		signer crypto.Signer
		certs  []*x509.Certificate
	)
	for _, block := range blocks {
		switch block.Type {
		case "PRIVATE KEY":
			if signer != nil {
				continue
			}
			if signer, err = parseKey(block.Bytes); err != nil {
				return nil, err
			}
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bundled certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	}

	if signer == nil {
		return nil, ErrNoPrivateKey
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}

	chain, err := orderChain(signer, certs)
	if err != nil {
		return nil, err
	}

	return &KeyBundle{Signer: signer, Chain: chain}, nil
}

// orderChain finds the leaf matching signer and walks up the issuers.
func orderChain(signer crypto.Signer, certs []*x509.Certificate) (Chain, error) {
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, signer.Public())
	}

	var chain Chain
	for _, cert := range certs {
		if pub.Equal(cert.PublicKey) {
			chain = append(chain, cert)
			break
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no certificate matches the private key", ErrNoCertificates)
	}

	for len(chain) < len(certs) {
		current := chain[len(chain)-1]
		if bytes.Equal(current.RawIssuer, current.RawSubject) {
			break
		}
		var issuer *x509.Certificate
		for _, cert := range certs {
			if cert != current && bytes.Equal(current.RawIssuer, cert.RawSubject) {
				issuer = cert
				break
			}
		}
		if issuer == nil {
			break
		}
		chain = append(chain, issuer)
	}

	return chain, nil
}
