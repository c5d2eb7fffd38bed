package testpki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digitorus/timestamp"
)

// TSA is an in-process RFC 3161 time-stamp authority.
type TSA struct {
	*httptest.Server

	Cert *x509.Certificate
	Key  crypto.Signer

	// Requests counts the time-stamp requests received.
	Requests atomic.Int64

	mu       sync.Mutex
	fail     bool
	reject   bool
	delay    time.Duration
	username string
	password string
}

// StartTSA issues a time-stamping certificate from the PKI and starts a TSA
// server that is closed when the test ends.
func (p *TestPKI) StartTSA() *TSA {
	key := GenerateKey(p.T, p.Profile)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "Signserver Test TSA",
			Organization: []string{"Signserver Test Org"},
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}

	issuerCert, issuerKey := p.issuer()
	certBytes, err := x509.CreateCertificate(rand.Reader, template, issuerCert, key.Public(), issuerKey)
	if err != nil {
		Fail(p.T, "failed to issue TSA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		Fail(p.T, "failed to parse TSA cert: %v", err)
	}

	tsa := &TSA{Cert: cert, Key: key}
	tsa.Server = httptest.NewServer(http.HandlerFunc(tsa.serveHTTP))
	p.T.Cleanup(tsa.Close)

	return tsa
}

// SetFail makes the server answer with 500 Internal Server Error.
func (tsa *TSA) SetFail(fail bool) {
	tsa.mu.Lock()
	defer tsa.mu.Unlock()
	tsa.fail = fail
}

// SetReject makes the server answer with a rejection status.
func (tsa *TSA) SetReject(reject bool) {
	tsa.mu.Lock()
	defer tsa.mu.Unlock()
	tsa.reject = reject
}

// SetDelay delays every response by d.
func (tsa *TSA) SetDelay(d time.Duration) {
	tsa.mu.Lock()
	defer tsa.mu.Unlock()
	tsa.delay = d
}

// RequireBasicAuth makes the server require the given credentials.
func (tsa *TSA) RequireBasicAuth(username, password string) {
	tsa.mu.Lock()
	defer tsa.mu.Unlock()
	tsa.username, tsa.password = username, password
}

func (tsa *TSA) serveHTTP(w http.ResponseWriter, r *http.Request) {
	tsa.Requests.Add(1)

	tsa.mu.Lock()
	fail, reject, delay := tsa.fail, tsa.reject, tsa.delay
	username, password := tsa.username, tsa.password
	tsa.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if username != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != username || p != password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/timestamp-query" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var resp []byte
	if reject {
		resp, err = timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.BadRequest)
	} else {
		resp, err = tsa.respond(body)
	}
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(resp)
}

func (tsa *TSA) respond(body []byte) ([]byte, error) {
	req, err := timestamp.ParseRequest(body)
	if err != nil {
		return nil, err
	}

	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              time.Now(),
		Nonce:             req.Nonce,
		Policy:            req.TSAPolicyOID,
		Accuracy:          time.Second,
		Ordering:          false,
		AddTSACertificate: req.Certificates,
	}
	if ts.Policy == nil {
		ts.Policy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1}
	}

	return ts.CreateResponseWithOpts(tsa.Cert, tsa.Key, crypto.SHA256)
}
