package testpki

import (
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"
)

// CRL returns a DER encoded CRL of the issuing CA listing revoked.
func (p *TestPKI) CRL(revoked ...*x509.Certificate) []byte {
	issuer, key := p.issuer()

	var entries []x509.RevocationListEntry
	for _, cert := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   cert.SerialNumber,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}

	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(time.Now().UnixNano()),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                time.Now().Add(time.Hour),
		RevokedCertificateEntries: entries,
	}, issuer, key)
	if err != nil {
		Fail(p.T, "failed to create CRL: %v", err)
	}
	return der
}

// OCSPResponse returns an OCSP response for cert signed by the issuing CA.
// status is ocsp.Good, ocsp.Revoked or ocsp.Unknown.
func (p *TestPKI) OCSPResponse(cert *x509.Certificate, status int) []byte {
	issuer, key := p.issuer()

	template := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Hour),
		NextUpdate:   time.Now().Add(time.Hour),
	}
	if status == ocsp.Revoked {
		template.RevokedAt = time.Now().Add(-time.Minute)
		template.RevocationReason = ocsp.KeyCompromise
	}

	der, err := ocsp.CreateResponse(issuer, issuer, template, key)
	if err != nil {
		Fail(p.T, "failed to create OCSP response: %v", err)
	}
	return der
}

// Issuer returns the certificate of the CA issuing leaves.
func (p *TestPKI) Issuer() *x509.Certificate {
	cert, _ := p.issuer()
	return cert
}
