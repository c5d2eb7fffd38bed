package verify

import (
	"crypto/x509"
	"strings"
)

// documentSigningEKU is id-kp-documentSigning (1.3.6.1.5.5.7.3.36, RFC 9336).
const documentSigningEKU = x509.ExtKeyUsage(36)

// signingEKUs are the extended key usages accepted for a signing certificate
// that carries the extension at all.
var signingEKUs = []x509.ExtKeyUsage{
	documentSigningEKU,
	x509.ExtKeyUsageEmailProtection,
	x509.ExtKeyUsageClientAuth,
	x509.ExtKeyUsageAny,
}

// validateKeyUsage checks the key usage bits required by options and, when
// the certificate restricts its extended key usage, that one of the usages
// is suitable for document signing.
func validateKeyUsage(cert *x509.Certificate, options *Options) (bool, string) {
	var problems []string

	if options.RequireDigitalSignatureKU && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		problems = append(problems, "certificate does not have Digital Signature key usage")
	}
	if options.RequireNonRepudiation && cert.KeyUsage&x509.KeyUsageContentCommitment == 0 {
		problems = append(problems, "certificate does not have Non-Repudiation key usage")
	}

	if len(cert.ExtKeyUsage) > 0 && !hasAnyEKU(cert, signingEKUs) {
		problems = append(problems, "certificate does not have suitable Extended Key Usage for PDF signing")
	}

	return len(problems) == 0, strings.Join(problems, "; ")
}

// validateTimestampKeyUsage checks the certificate of a document timestamp.
func validateTimestampKeyUsage(cert *x509.Certificate) (bool, string) {
	if !hasAnyEKU(cert, []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}) {
		return false, "certificate does not have Time Stamping extended key usage"
	}
	return true, ""
}

func hasAnyEKU(cert *x509.Certificate, accepted []x509.ExtKeyUsage) bool {
	for _, eku := range cert.ExtKeyUsage {
		for _, want := range accepted {
			if eku == want {
				return true
			}
		}
	}
	return false
}
