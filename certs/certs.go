// Package certs loads signing material: PEM or DER certificate chains,
// PEM private keys and password protected PKCS#12 key bundles.
package certs

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrNoCertificates = errors.New("no certificates found")
	ErrBrokenChain    = errors.New("certificate chain is not ordered leaf first")
	ErrBadPassword    = errors.New("incorrect key bundle password")
	ErrNoPrivateKey   = errors.New("no private key found")
	ErrUnsupportedKey = errors.New("unsupported private key type")
)

// Chain is an ordered certificate chain, leaf first.
type Chain []*x509.Certificate

// Leaf returns the signing certificate or nil for an empty chain.
func (c Chain) Leaf() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// Parents returns the issuing certificates of the leaf.
func (c Chain) Parents() []*x509.Certificate {
	if len(c) < 2 {
		return nil
	}
	return c[1:]
}

// CommonName is the subject common name of the leaf.
func (c Chain) CommonName() string {
	if leaf := c.Leaf(); leaf != nil {
		return leaf.Subject.CommonName
	}
	return ""
}

// PEM encodes the chain as consecutive CERTIFICATE blocks.
func (c Chain) PEM() []byte {
	var b bytes.Buffer
	for _, cert := range c {
		_ = pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return b.Bytes()
}

// ParseChain reads every CERTIFICATE block of data, or a DER encoded
// certificate sequence when data holds no PEM at all. Every certificate must
// be issued by the one following it.
func ParseChain(data []byte) (Chain, error) {
	var chain Chain

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(chain)+1, err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 && len(bytes.TrimSpace(data)) > 0 && !bytes.Contains(data, []byte("-----BEGIN")) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificates: %w", err)
		}
		chain = certs
	}

	if len(chain) == 0 {
		return nil, ErrNoCertificates
	}

	if err := chain.checkOrder(); err != nil {
		return nil, err
	}

	return chain, nil
}

func (c Chain) checkOrder() error {
	for i := 0; i+1 < len(c); i++ {
		if !bytes.Equal(c[i].RawIssuer, c[i+1].RawSubject) {
			return fmt.Errorf("%w: %q is not issued by %q", ErrBrokenChain, c[i].Subject.CommonName, c[i+1].Subject.CommonName)
		}
		if err := c[i].CheckSignatureFrom(c[i+1]); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokenChain, err)
		}
	}
	return nil
}

// ParsePrivateKey reads the first private key block of data in PKCS#1,
// SEC 1 or PKCS#8 form.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrNoPrivateKey
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			return parseKey(block.Bytes)
		}
	}
}

func parseKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}
