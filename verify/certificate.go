package verify

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/digitorus/signserver/revocation"
)

// buildCertificateChains validates every embedded certificate at the time
// the signature was made and records the signer certificate.
func buildCertificateChains(p7 *pkcs7.PKCS7, sig *Signature, options *Options) {
	intermediates := x509.NewCertPool()
	for _, cert := range p7.Certificates {
		intermediates.AddCert(cert)
	}

	roots := options.Roots
	if roots == nil {
		roots = intermediates
	}

	verificationTime := options.CurrentTime
	switch {
	case sig.TimestampTime != nil:
		verificationTime = *sig.TimestampTime
	case sig.SigningTime != nil:
		verificationTime = *sig.SigningTime
	case verificationTime.IsZero():
		verificationTime = time.Now()
	}

	signer := signerCertificate(p7)

	var archival revocation.InfoArchival
	_ = p7.UnmarshalSignedAttribute(revocation.OID, &archival)

	for _, cert := range p7.Certificates {
		c := Certificate{
			Certificate: cert,
			Subject:     cert.Subject.String(),
			Issuer:      cert.Issuer.String(),
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
		}

		_, err := cert.Verify(x509.VerifyOptions{
			Intermediates: intermediates,
			Roots:         roots,
			CurrentTime:   verificationTime,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			c.VerifyError = err.Error()
		}

		status, revErr := archival.Status(cert, issuerOf(cert, p7.Certificates))
		c.Revocation = status.String()
		if revErr != nil {
			sig.addError(&ValidationError{Msg: fmt.Sprintf("revocation data for %s: %v", c.Subject, revErr)})
		}
		if status == revocation.Revoked {
			sig.addError(&ValidationError{Msg: fmt.Sprintf("certificate %s is revoked", c.Subject)})
			if cert == signer {
				sig.TrustedIssuer = false
			}
		}

		if cert == signer {
			sig.Signer = cert
			sig.SignerName = cert.Subject.CommonName
			if sig.SubFilter == "ETSI.RFC3161" {
				sig.KeyUsageValid, sig.KeyUsageError = validateTimestampKeyUsage(cert)
			} else {
				sig.KeyUsageValid, sig.KeyUsageError = validateKeyUsage(cert, options)
			}
			if err != nil {
				sig.TrustedIssuer = false
			}
		}

		sig.Certificates = append(sig.Certificates, c)
	}
}

// signerCertificate returns the certificate matching the issuer and serial
// number of the first signer.
func signerCertificate(p7 *pkcs7.PKCS7) *x509.Certificate {
	if len(p7.Signers) > 0 {
		isn := p7.Signers[0].IssuerAndSerialNumber
		for _, cert := range p7.Certificates {
			if cert.SerialNumber.Cmp(isn.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, isn.IssuerName.FullBytes) {
				return cert
			}
		}
	}
	if len(p7.Certificates) > 0 {
		return p7.Certificates[0]
	}
	return nil
}

// issuerOf returns the certificate in pool that signed cert.
func issuerOf(cert *x509.Certificate, pool []*x509.Certificate) *x509.Certificate {
	for _, candidate := range pool {
		if candidate == cert || !bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
			continue
		}
		if cert.CheckSignatureFrom(candidate) == nil {
			return candidate
		}
	}
	return nil
}
