// Package signing implements deferred and direct PDF signing on top of the
// sign package. Presign reserves a placeholder, persists the prepared
// document and returns the hash an external signer has to sign; Finalize
// consumes that request exactly once and injects the resulting CMS
// container. Every operation returns an *Error carrying a Kind.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/digitorus/signserver/certs"
	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/store"
	"github.com/digitorus/signserver/tsa"
)

const (
	DefaultReserveBytes    = 8192
	DefaultRequestTTL      = 24 * time.Hour
	DefaultJanitorInterval = time.Hour

	requestsPrefix = "requests"
)

// Options configure a Service. Storage is required.
type Options struct {
	Storage store.Storage
	// Requests defaults to JSON records under requests/ in Storage.
	Requests *store.Records[SigningRequest]
	// Locker serialises access per handle; shared with other users of the
	// same store when set.
	Locker *store.Locker
	// TSA is the default time-stamp authority, nil disables timestamps.
	TSA *tsa.Client

	// ReserveBytes is added to the estimated placeholder size.
	ReserveBytes int
	// RequestTTL is how long a presigned request stays valid.
	RequestTTL time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// Service runs the signing operations.
type Service struct {
	storage  store.Storage
	requests *store.Records[SigningRequest]
	locks    *store.Locker
	tsa      *tsa.Client
	reserve  int
	ttl      time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if opts.Storage == nil {
		return nil, errors.New("signing: storage is required")
	}

	s := &Service{
		storage:  opts.Storage,
		requests: opts.Requests,
		locks:    opts.Locker,
		tsa:      opts.TSA,
		reserve:  opts.ReserveBytes,
		ttl:      opts.RequestTTL,
		log:      opts.Logger.With().Str("component", "signing").Logger(),
		now:      opts.Now,
	}
	if s.requests == nil {
		s.requests = store.NewRecords[SigningRequest](opts.Storage, requestsPrefix)
	}
	if s.locks == nil {
		s.locks = store.NewLocker()
	}
	if s.reserve < 0 {
		s.reserve = 0
	}
	if s.ttl <= 0 {
		s.ttl = DefaultRequestTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s, nil
}

// HasTimestampAuthority reports whether a default TSA is configured.
func (s *Service) HasTimestampAuthority() bool {
	return s.tsa != nil
}

// tsaClient returns the client for a per request override or the default.
func (s *Service) tsaClient(override *TSAConfig) *tsa.Client {
	timeout := tsa.DefaultTimeout
	if s.tsa != nil && s.tsa.Timeout > 0 {
		timeout = s.tsa.Timeout
	}
	if client := override.client(timeout); client != nil {
		return client
	}
	return s.tsa
}

func tokenFunc(client *tsa.Client) sign.TimestampFunc {
	if client == nil {
		return nil
	}
	return client.Token
}

// PresignInput describes a document to prepare for deferred signing.
type PresignInput struct {
	Owner    string
	Document []byte
	// ChainPEM is the signer's certificate chain, leaf first.
	ChainPEM []byte
	Field    sign.Field

	// FlowID binds the request to a flow run.
	FlowID string

	TSA               *TSAConfig
	TimestampOptional bool
}

// PresignResult identifies the stored request and what has to be signed.
type PresignResult struct {
	Handle     string    `json:"id"`
	HashToSign string    `json:"hash"`
	FieldName  string    `json:"field_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Presign reserves a signature placeholder in the document, stores the
// prepared document and returns the hex SHA-256 of the authenticated
// attributes that the external signer must sign.
func (s *Service) Presign(ctx context.Context, in PresignInput) (*PresignResult, error) {
	const op = "presign"

	if len(in.Document) == 0 {
		return nil, E(op, InvalidInput, "document is empty")
	}

	chain, err := certs.ParseChain(in.ChainPEM)
	if err != nil {
		return nil, classify(op, err, InvalidInput)
	}

	client := s.tsaClient(in.TSA)
	size, err := sign.EstimateContentsSize(chain, client != nil, s.reserve)
	if err != nil {
		return nil, classify(op, err, InvalidInput)
	}

	field := in.Field
	if field.SignerName == "" {
		field.SignerName = chain.CommonName()
	}

	prepared, err := sign.Prepare(in.Document, sign.PrepareOptions{
		Type:         sign.ApprovalSignature,
		Field:        field,
		ContentsSize: size,
	})
	if err != nil {
		return nil, classify(op, err, InvalidInput)
	}

	attrs, err := sign.BuildAttributes(prepared.Content(), chain)
	if err != nil {
		return nil, classify(op, err, CryptoFailure)
	}

	now := s.now()
	id := uuid.NewString()
	req := &SigningRequest{
		ID:                id,
		Owner:             in.Owner,
		FlowID:            in.FlowID,
		DocumentRef:       documentKey(id),
		ByteRange:         prepared.ByteRange,
		FieldName:         prepared.FieldName,
		HashToSign:        hex.EncodeToString(attrs.HashToSign),
		ContentDigest:     hex.EncodeToString(attrs.MessageDigest),
		Attributes:        attrs.Raw,
		ChainPEM:          chain.PEM(),
		Timestamped:       client != nil,
		TimestampOptional: in.TimestampOptional,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if in.TSA != nil && in.TSA.URL != "" {
		req.TSA = in.TSA
	}

	if err := s.storage.Put(ctx, req.DocumentRef, prepared.Document); err != nil {
		return nil, E(op, StorageFailure, err)
	}
	if err := s.requests.Save(ctx, id, req); err != nil {
		_ = s.storage.Delete(ctx, req.DocumentRef)
		return nil, E(op, StorageFailure, err)
	}

	s.log.Info().
		Str("handle", id).
		Str("owner", in.Owner).
		Str("flow", in.FlowID).
		Str("field", req.FieldName).
		Bool("timestamp", req.Timestamped).
		Int("placeholder_bytes", size).
		Msg("document presigned")

	return &PresignResult{
		Handle:     id,
		HashToSign: req.HashToSign,
		FieldName:  req.FieldName,
		ExpiresAt:  req.ExpiresAt,
	}, nil
}

// Finalize injects the external signature over the hash returned by
// Presign and consumes the request. A request can be finalized once; any
// failure leaves it in place so the caller can retry with a corrected
// signature. Requests of a flow run are Forbidden here.
func (s *Service) Finalize(ctx context.Context, owner, handle, signatureHex string) ([]byte, error) {
	const op = "finalize"

	signature, err := decodeSignature(signatureHex)
	if err != nil {
		return nil, E(op, InvalidInput, err)
	}

	unlock := s.locks.Lock(requestsPrefix + "/" + handle)
	defer unlock()

	signed, req, err := s.assemble(ctx, op, owner, "", handle, signature)
	if err != nil {
		return nil, err
	}
	if err := s.consume(ctx, req); err != nil {
		return nil, E(op, StorageFailure, err)
	}

	s.log.Info().Str("handle", handle).Str("owner", owner).Msg("signature finalized")
	return signed, nil
}

// FinalizeBatch finalizes several requests at once. Every signature has to
// assemble before any request is consumed.
func (s *Service) FinalizeBatch(ctx context.Context, owner string, signatures map[string]string) (map[string][]byte, error) {
	return s.finalizeBatch(ctx, owner, "", signatures)
}

// FinalizeFlow is FinalizeBatch for the requests of flow run flowID.
func (s *Service) FinalizeFlow(ctx context.Context, owner, flowID string, signatures map[string]string) (map[string][]byte, error) {
	if flowID == "" {
		return nil, E("finalize", InvalidInput, "flow id is empty")
	}
	return s.finalizeBatch(ctx, owner, flowID, signatures)
}

func (s *Service) finalizeBatch(ctx context.Context, owner, flowID string, signatures map[string]string) (map[string][]byte, error) {
	const op = "finalize"

	if len(signatures) == 0 {
		return nil, E(op, InvalidInput, "no signatures provided")
	}

	handles := make([]string, 0, len(signatures))
	decoded := make(map[string][]byte, len(signatures))
	for handle, sig := range signatures {
		signature, err := decodeSignature(sig)
		if err != nil {
			return nil, E(op, InvalidInput, fmt.Errorf("signature for %s: %w", handle, err))
		}
		handles = append(handles, handle)
		decoded[handle] = signature
	}
	// A fixed order keeps concurrent batches from deadlocking.
	sort.Strings(handles)

	for _, handle := range handles {
		unlock := s.locks.Lock(requestsPrefix + "/" + handle)
		defer unlock()
	}

	docs := make(map[string][]byte, len(handles))
	reqs := make([]*SigningRequest, 0, len(handles))
	for _, handle := range handles {
		signed, req, err := s.assemble(ctx, op, owner, flowID, handle, decoded[handle])
		if err != nil {
			return nil, err
		}
		docs[handle] = signed
		reqs = append(reqs, req)
	}

	for _, req := range reqs {
		if err := s.consume(ctx, req); err != nil {
			return nil, E(op, StorageFailure, err)
		}
	}

	s.log.Info().Str("owner", owner).Str("flow", flowID).Int("documents", len(docs)).Msg("signature batch finalized")
	return docs, nil
}

// assemble loads a request and builds the signed document without
// consuming anything. The caller holds the handle's lock.
func (s *Service) assemble(ctx context.Context, op, owner, flowID, handle string, signature []byte) ([]byte, *SigningRequest, error) {
	if _, err := uuid.Parse(handle); err != nil {
		return nil, nil, E(op, NotFound, "signing request not found")
	}

	req, err := s.requests.Load(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, E(op, NotFound, "signing request not found")
	}
	if err != nil {
		return nil, nil, E(op, StorageFailure, err)
	}
	if req.Owner != "" && req.Owner != owner {
		return nil, nil, E(op, Forbidden, "signing request belongs to another owner")
	}
	if err := req.checkFlow(flowID); err != nil {
		return nil, nil, E(op, Forbidden, err)
	}
	if req.expired(s.now()) {
		return nil, nil, E(op, NotFound, "signing request expired")
	}

	doc, err := s.storage.Get(ctx, req.DocumentRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, E(op, NotFound, "presigned document not found")
	}
	if err != nil {
		return nil, nil, E(op, StorageFailure, err)
	}

	chain, err := certs.ParseChain(req.ChainPEM)
	if err != nil {
		return nil, nil, E(op, CryptoFailure, err)
	}

	content, err := sign.ByteRangeContent(doc, req.ByteRange)
	if err != nil {
		return nil, nil, E(op, CryptoFailure, err)
	}
	digest := sha256.Sum256(content)
	if hex.EncodeToString(digest[:]) != req.ContentDigest {
		return nil, nil, E(op, CryptoFailure, sign.ErrDigestMismatch)
	}

	hashToSign, err := hex.DecodeString(req.HashToSign)
	if err != nil {
		return nil, nil, E(op, CryptoFailure, fmt.Errorf("stored hash: %w", err))
	}
	attrs := &sign.Attributes{
		Raw:           req.Attributes,
		HashToSign:    hashToSign,
		MessageDigest: digest[:],
	}

	container, err := s.container(ctx, op, req, content, chain, attrs, signature)
	if err != nil {
		return nil, nil, err
	}

	signed, err := sign.Inject(doc, req.ByteRange, container)
	if err != nil {
		return nil, nil, classify(op, err, CryptoFailure)
	}

	return signed, req, nil
}

// container assembles the CMS structure and applies the timestamp policy
// of the request: a failing TSA aborts unless the timestamp is optional.
func (s *Service) container(ctx context.Context, op string, req *SigningRequest, content []byte, chain certs.Chain, attrs *sign.Attributes, signature []byte) ([]byte, error) {
	var client *tsa.Client
	if req.Timestamped {
		client = s.tsaClient(req.TSA)
		if client == nil && !req.TimestampOptional {
			return nil, E(op, TsaUnavailable, "no time-stamp authority configured")
		}
	}

	var tsaErr error
	var tokenFn sign.TimestampFunc
	if client != nil {
		tokenFn = func(ctx context.Context, data []byte) ([]byte, error) {
			token, err := client.Token(ctx, data)
			if err != nil {
				tsaErr = err
			}
			return token, err
		}
	}

	container, err := sign.AssembleContainer(ctx, content, chain, attrs, signature, tokenFn)
	timestampFailed := tsaErr != nil || errors.Is(err, sign.ErrTimestampToken)
	if err != nil && timestampFailed && req.TimestampOptional {
		s.log.Warn().Err(err).Str("handle", req.ID).Msg("time-stamp authority failed, finalizing without timestamp")
		container, err = sign.AssembleContainer(ctx, content, chain, attrs, signature, nil)
	}
	if err != nil {
		if timestampFailed {
			return nil, E(op, TsaUnavailable, err)
		}
		return nil, classify(op, err, CryptoFailure)
	}

	return container, nil
}

// Discard deletes a pending signing request and its document. Requests
// of a flow run are Forbidden here.
func (s *Service) Discard(ctx context.Context, owner, handle string) error {
	return s.discard(ctx, owner, "", handle)
}

// DiscardFlow deletes a pending signing request of flow run flowID.
func (s *Service) DiscardFlow(ctx context.Context, owner, flowID, handle string) error {
	if flowID == "" {
		return E("discard", InvalidInput, "flow id is empty")
	}
	return s.discard(ctx, owner, flowID, handle)
}

func (s *Service) discard(ctx context.Context, owner, flowID, handle string) error {
	const op = "discard"

	if _, err := uuid.Parse(handle); err != nil {
		return E(op, NotFound, "signing request not found")
	}

	unlock := s.locks.Lock(requestsPrefix + "/" + handle)
	defer unlock()

	req, err := s.requests.Load(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return E(op, NotFound, "signing request not found")
	}
	if err != nil {
		return E(op, StorageFailure, err)
	}
	if req.Owner != "" && req.Owner != owner {
		return E(op, Forbidden, "signing request belongs to another owner")
	}
	if err := req.checkFlow(flowID); err != nil {
		return E(op, Forbidden, err)
	}
	if err := s.consume(ctx, req); err != nil {
		return E(op, StorageFailure, err)
	}
	return nil
}

// consume deletes a finalized or expired request. The record goes first so
// a failure never leaves a request that can be finalized twice.
func (s *Service) consume(ctx context.Context, req *SigningRequest) error {
	if err := s.requests.Delete(ctx, req.ID); err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, req.DocumentRef); err != nil {
		s.log.Warn().Err(err).Str("handle", req.ID).Msg("failed to delete presigned document")
	}
	return nil
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("signature is empty")
	}
	signature, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature is not valid hex: %w", err)
	}
	return signature, nil
}

// KeyBundleInput describes a document to sign with a PKCS#12 bundle.
type KeyBundleInput struct {
	Document []byte
	Bundle   []byte
	Password string
	Field    sign.Field

	TSA               *TSAConfig
	TimestampOptional bool
}

// SignWithKeyBundle signs the document in one pass with the key of a
// password protected PKCS#12 bundle. Nothing is persisted.
func (s *Service) SignWithKeyBundle(ctx context.Context, in KeyBundleInput) ([]byte, error) {
	const op = "sign-pfx"

	if len(in.Document) == 0 {
		return nil, E(op, InvalidInput, "document is empty")
	}

	bundle, err := certs.LoadKeyBundle(in.Bundle, in.Password)
	if err != nil {
		return nil, classify(op, err, InvalidInput)
	}

	field := in.Field
	if field.SignerName == "" {
		field.SignerName = bundle.Chain.CommonName()
	}

	client := s.tsaClient(in.TSA)
	signed, err := sign.SignWithSigner(ctx, in.Document, bundle.Chain, bundle.Signer, field, tokenFunc(client), s.reserve)
	if err != nil && client != nil && in.TimestampOptional && KindOf(classify(op, err, Internal)) == TsaUnavailable {
		s.log.Warn().Err(err).Msg("time-stamp authority failed, signing without timestamp")
		signed, err = sign.SignWithSigner(ctx, in.Document, bundle.Chain, bundle.Signer, field, nil, s.reserve)
	}
	if err != nil {
		return nil, classify(op, err, InvalidInput)
	}

	s.log.Info().Str("signer", bundle.Chain.CommonName()).Msg("document signed with key bundle")
	return signed, nil
}

// Timestamp adds a document timestamp from the default TSA.
func (s *Service) Timestamp(ctx context.Context, document []byte, field sign.Field) ([]byte, error) {
	return s.TimestampWithTSA(ctx, document, field, nil)
}

// TimestampWithTSA adds a document timestamp, using override instead of
// the default TSA when set.
func (s *Service) TimestampWithTSA(ctx context.Context, document []byte, field sign.Field, override *TSAConfig) ([]byte, error) {
	const op = "timestamp"

	client := s.tsaClient(override)
	if client == nil {
		return nil, E(op, UnsupportedOperation, "no time-stamp authority configured")
	}
	if len(document) == 0 {
		return nil, E(op, InvalidInput, "document is empty")
	}

	stamped, err := sign.Timestamp(ctx, document, field, client.Token, s.reserve)
	if err != nil {
		return nil, classify(op, err, InvalidInput)
	}

	s.log.Info().Str("tsa", client.URL).Msg("document timestamped")
	return stamped, nil
}
