// Package revocation reads the revocation information a signer embedded
// in the adbe-revocationInfoArchival attribute and checks certificates
// against it.
package revocation

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/ocsp"
)

// OID is the adbe-revocationInfoArchival signed attribute.
var OID = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}

// Status is the revocation state of a certificate.
type Status int

const (
	// Unknown means no embedded CRL or OCSP response covers the
	// certificate.
	Unknown Status = iota
	Good
	Revoked
)

func (s Status) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// InfoArchival is the value of the adbe-revocationInfoArchival attribute.
type InfoArchival struct {
	CRL   CRL   `asn1:"tag:0,optional,explicit"`
	OCSP  OCSP  `asn1:"tag:1,optional,explicit"`
	Other Other `asn1:"tag:2,optional,explicit"`
}

// CRL holds DER encoded certificate revocation lists.
type CRL []asn1.RawValue

// OCSP holds DER encoded OCSP responses.
type OCSP []asn1.RawValue

// Other is OtherRevInfo.
type Other struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}

// AddCRL appends a DER encoded CRL.
func (r *InfoArchival) AddCRL(b []byte) error {
	if _, err := x509.ParseRevocationList(b); err != nil {
		return fmt.Errorf("invalid CRL: %w", err)
	}
	r.CRL = append(r.CRL, asn1.RawValue{FullBytes: b})
	return nil
}

// AddOCSP appends a DER encoded OCSP response.
func (r *InfoArchival) AddOCSP(b []byte) error {
	if _, err := ocsp.ParseResponse(b, nil); err != nil {
		return fmt.Errorf("invalid OCSP response: %w", err)
	}
	r.OCSP = append(r.OCSP, asn1.RawValue{FullBytes: b})
	return nil
}

// Empty reports whether no revocation data is embedded.
func (r *InfoArchival) Empty() bool {
	return len(r.CRL) == 0 && len(r.OCSP) == 0
}

// Status checks cert against the embedded OCSP responses and CRLs. An
// OCSP response for the certificate takes precedence over CRLs. When
// issuer is set, responses and lists not signed by it are ignored. The
// error reports entries that could not be parsed or verified.
func (r *InfoArchival) Status(cert, issuer *x509.Certificate) (Status, error) {
	var errs []error

	for _, raw := range r.OCSP {
		resp, err := ocsp.ParseResponse(raw.FullBytes, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("OCSP response: %w", err))
			continue
		}
		if resp.SerialNumber.Cmp(cert.SerialNumber) != 0 {
			continue
		}
		if issuer != nil {
			if resp, err = ocsp.ParseResponse(raw.FullBytes, issuer); err != nil {
				errs = append(errs, fmt.Errorf("OCSP response: %w", err))
				continue
			}
		}

		switch resp.Status {
		case ocsp.Good:
			return Good, errors.Join(errs...)
		case ocsp.Revoked:
			return Revoked, errors.Join(errs...)
		}
	}

	status := Unknown
	for _, raw := range r.CRL {
		crl, err := x509.ParseRevocationList(raw.FullBytes)
		if err != nil {
			errs = append(errs, fmt.Errorf("CRL: %w", err))
			continue
		}
		if !bytes.Equal(crl.RawIssuer, cert.RawIssuer) {
			continue
		}
		if issuer != nil {
			if err := crl.CheckSignatureFrom(issuer); err != nil {
				errs = append(errs, fmt.Errorf("CRL: %w", err))
				continue
			}
		}

		status = Good
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return Revoked, errors.Join(errs...)
			}
		}
	}

	return status, errors.Join(errs...)
}

// IsRevoked reports whether the embedded data marks cert as revoked.
func (r *InfoArchival) IsRevoked(cert, issuer *x509.Certificate) bool {
	status, _ := r.Status(cert, issuer)
	return status == Revoked
}
