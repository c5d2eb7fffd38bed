// Package tsa is an RFC 3161 Time-Stamp Protocol client.
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxResponseSize bounds the response body read from the authority.
	maxResponseSize = 1 << 20
)

var (
	// ErrUnavailable is returned when the authority cannot be reached, does not
	// answer in time or answers with a non-success HTTP status.
	ErrUnavailable = errors.New("time-stamp authority unavailable")
	// ErrBadResponse is returned for malformed, rejected or mismatching responses.
	ErrBadResponse = errors.New("invalid time-stamp response")
	// ErrNoURL is returned by a client without endpoint.
	ErrNoURL = errors.New("time-stamp authority URL is not configured")
)

// Client requests time-stamp tokens from a single authority.
type Client struct {
	URL      string
	Username string
	Password string
	// Timeout bounds a complete request, DefaultTimeout when zero.
	Timeout time.Duration
	// Policy requests a specific TSA policy when set.
	Policy asn1.ObjectIdentifier

	HTTPClient *http.Client
}

// New returns a client for url.
func New(url string) *Client {
	return &Client{URL: url}
}

// Token returns the DER encoded TimeStampToken for the SHA-256 digest of data.
func (c *Client) Token(ctx context.Context, data []byte) ([]byte, error) {
	if c == nil || c.URL == "" {
		return nil, ErrNoURL
	}

	digest := sha256.Sum256(data)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce: %w", err)
	}

	tsRequest, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
		TSAPolicyOID: c.Policy,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.post(ctx, tsRequest)
	if err != nil {
		return nil, err
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	if ts.HashAlgorithm != crypto.SHA256 || !bytes.Equal(ts.HashedMessage, digest[:]) {
		return nil, fmt.Errorf("%w: message imprint does not match the request", ErrBadResponse)
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce does not match the request", ErrBadResponse)
	}

	return ts.RawToken, nil
}

func (c *Client) post(ctx context.Context, tsRequest []byte) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(tsRequest))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request (%s): %w", c.URL, err)
	}

	req.Header.Add("Content-Type", "application/timestamp-query")
	req.Header.Add("Content-Transfer-Encoding", "binary")

	if c.Username != "" && c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: non success response (%d): %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(body))
	}

	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mediaType != "application/timestamp-reply" {
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrBadResponse, resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	return body, nil
}
