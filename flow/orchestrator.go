// Package flow runs multi-step document pipelines. A run converts, stamps
// and attaches in order and ends with at most one signing step; a presign
// step suspends the run until the caller supplies the external signatures.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/digitorus/signserver/convert"
	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/signing"
	"github.com/digitorus/signserver/store"
)

const (
	DefaultWorkers     = 4
	DefaultParallelism = 4
	DefaultQueueSize   = 256
	DefaultRunTimeout  = 10 * time.Minute

	runsPrefix = "flows"

	// persistTimeout bounds saving the final state of a run whose own
	// context has ended.
	persistTimeout = 30 * time.Second
)

// Options configure an Orchestrator. Storage and Signing are required.
type Options struct {
	Storage store.Storage
	// Runs defaults to JSON records under flows/ in Storage.
	Runs    *store.Records[Run]
	Locker  *store.Locker
	Signing *signing.Service
	// Converter defaults to convert.New().
	Converter *convert.Converter

	Templates TemplateFiller
	Fields    SignatureFieldLocator

	Workers     int
	// Parallelism bounds the documents a step processes at once.
	Parallelism int
	QueueSize   int
	RunTimeout  time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// Orchestrator starts runs, executes them on a worker pool and completes
// runs waiting for signatures.
type Orchestrator struct {
	runs      *store.Records[Run]
	locks     *store.Locker
	signing   *signing.Service
	converter *convert.Converter
	templates TemplateFiller
	fields    SignatureFieldLocator
	pool      *Pool
	parallel  int
	log       zerolog.Logger
	now       func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Storage == nil && opts.Runs == nil {
		return nil, errors.New("flow: storage is required")
	}
	if opts.Signing == nil {
		return nil, errors.New("flow: signing service is required")
	}

	o := &Orchestrator{
		runs:      opts.Runs,
		locks:     opts.Locker,
		signing:   opts.Signing,
		converter: opts.Converter,
		templates: opts.Templates,
		fields:    opts.Fields,
		parallel:  opts.Parallelism,
		log:       opts.Logger.With().Str("component", "flow").Logger(),
		now:       opts.Now,
	}
	if o.runs == nil {
		o.runs = store.NewRecords[Run](opts.Storage, runsPrefix)
	}
	if o.locks == nil {
		o.locks = store.NewLocker()
	}
	if o.converter == nil {
		o.converter = convert.New()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.parallel <= 0 {
		o.parallel = DefaultParallelism
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	o.pool = NewPool(workers, queue, timeout, o.log)

	return o, nil
}

func lockKey(id string) string {
	return runsPrefix + "/" + id
}

// Start validates and persists a new run and queues it. It returns as soon
// as the run is queued.
func (o *Orchestrator) Start(ctx context.Context, owner string, src Source, ops []Operation) (string, error) {
	const op = "start"

	if err := ValidateOperations(ops); err != nil {
		return "", err
	}
	if src.empty() {
		return "", signing.E(op, signing.InvalidInput, "no PDF source provided")
	}
	if src.Template != nil && o.templates == nil {
		return "", signing.E(op, signing.UnsupportedOperation, "template filling is not configured")
	}

	now := o.now()
	run := &Run{
		ID:         uuid.NewString(),
		Owner:      owner,
		Operations: ops,
		Source:     &src,
		Status:     StatusInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.runs.Save(ctx, run.ID, run); err != nil {
		return "", signing.E(op, signing.StorageFailure, err)
	}

	id := run.ID
	if err := o.pool.Submit(func(ctx context.Context) { o.process(ctx, id) }); err != nil {
		o.fail(ctx, id, err)
		return "", signing.E(op, signing.Internal, err)
	}

	o.log.Info().Str("flow", id).Str("owner", owner).Int("operations", len(ops)).Msg("flow started")
	return id, nil
}

// process executes a run. Every outcome, including a panic or an expired
// context, is persisted before it returns.
func (o *Orchestrator) process(ctx context.Context, id string) {
	run, err := o.runs.Load(ctx, id)
	if err != nil {
		o.log.Error().Err(err).Str("flow", id).Msg("failed to load flow")
		o.fail(ctx, id, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, id, fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := o.execute(ctx, run); err != nil {
		o.fail(ctx, id, err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *Run) error {
	docs, err := o.resolve(ctx, run)
	if err != nil {
		return err
	}

	for i, op := range run.Operations {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.log.Debug().Str("flow", run.ID).Int("step", i+1).Str("action", string(op.Kind)).Int("documents", len(docs)).Msg("running flow step")

		if op.Kind == KindPresign {
			pending, err := o.presign(ctx, run, op.Presign, docs)
			if err != nil {
				return err
			}
			return o.finish(ctx, run.ID, func(r *Run) error {
				r.Documents = nil
				r.Pending = pending
				return r.transition(StatusWaitingForSignatures, o.now())
			})
		}

		docs, err = o.applyAll(ctx, op, docs)
		if err != nil {
			return err
		}
	}

	return o.finish(ctx, run.ID, func(r *Run) error {
		r.Documents = docs
		return r.transition(StatusDone, o.now())
	})
}

func (o *Orchestrator) resolve(ctx context.Context, run *Run) ([][]byte, error) {
	src := run.Source
	switch {
	case src.empty():
		return nil, errors.New("no PDF source provided")
	case src.Template != nil:
		if o.templates == nil {
			return nil, errors.New("template filling is not configured")
		}
		docs, err := o.templates.Fill(ctx, src.Template.TemplateID, run.Owner, src.Template.DataSets)
		if err != nil {
			return nil, fmt.Errorf("fill template: %w", err)
		}
		if len(docs) == 0 {
			return nil, errors.New("template produced no documents")
		}
		return docs, nil
	}

	docs := make([][]byte, len(src.Documents))
	copy(docs, src.Documents)
	return docs, nil
}

// applyAll runs op on every document, at most o.parallel at a time. The
// results keep the order of docs; the first failure cancels the others.
func (o *Orchestrator) applyAll(ctx context.Context, op Operation, docs [][]byte) ([][]byte, error) {
	out := make([][]byte, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallel)
	for i, doc := range docs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("internal error: %v", r)
				}
			}()

			res, err := o.apply(gctx, op, doc)
			if err != nil {
				return fmt.Errorf("%s failed for document %d: %w", op.Kind, i+1, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) apply(ctx context.Context, op Operation, doc []byte) ([]byte, error) {
	switch op.Kind {
	case KindPDFA:
		conformance := ""
		if op.PDFA != nil {
			conformance = op.PDFA.Conformance
		}
		return o.converter.ToPDFA(ctx, doc, conformance)

	case KindAttachment:
		return o.converter.AddAttachment(ctx, doc, convert.Attachment{
			FileName:    op.Attachment.FileName,
			Description: op.Attachment.Description,
			Data:        op.Attachment.Content,
		})

	case KindTimestamp:
		params := op.Timestamp
		if params == nil {
			params = &TimestampParams{}
		}
		return o.signing.TimestampWithTSA(ctx, doc, params.field(), params.TSA)

	case KindSignPFX:
		params := op.SignPFX
		field := params.field()
		if field.Name == "" {
			field.Name = sign.GenerateFieldName()
		}
		return o.signing.SignWithKeyBundle(ctx, signing.KeyBundleInput{
			Document:          doc,
			Bundle:            params.Bundle,
			Password:          params.Password,
			Field:             field,
			TSA:               params.TSA,
			TimestampOptional: params.TimestampOptional,
		})
	}
	return nil, fmt.Errorf("unsupported flow action %q", op.Kind)
}

// presign prepares every document for deferred signing. Requests created
// before a failure are discarded again.
func (o *Orchestrator) presign(ctx context.Context, run *Run, params *PresignParams, docs [][]byte) ([]PendingSignature, error) {
	field := params.field()
	if params.TemplateID != "" && o.fields != nil {
		tf, err := o.fields.SignatureField(ctx, params.TemplateID, run.Owner, params.FieldName)
		if err != nil {
			return nil, fmt.Errorf("resolve signature field: %w", err)
		}
		if tf != nil {
			field.Rect = tf.Rect
			field.Page = max(tf.Page, 1)
			if tf.Name != "" {
				field.Name = tf.Name
			}
		}
	}
	if field.Name == "" {
		field.Name = sign.GenerateFieldName()
	}

	pending := make([]PendingSignature, 0, len(docs))
	for i, doc := range docs {
		result, err := o.signing.Presign(ctx, signing.PresignInput{
			Owner:             run.Owner,
			Document:          doc,
			ChainPEM:          []byte(params.CertificatePEM),
			Field:             field,
			FlowID:            run.ID,
			TSA:               params.TSA,
			TimestampOptional: params.TimestampOptional,
		})
		if err != nil {
			o.discard(run.ID, run.Owner, pending)
			return nil, fmt.Errorf("presign failed for document %d: %w", i+1, err)
		}
		pending = append(pending, PendingSignature{
			Handle:        result.Handle,
			HashToSign:    result.HashToSign,
			DocumentIndex: i,
			ExpiresAt:     result.ExpiresAt,
		})
	}
	return pending, nil
}

func (o *Orchestrator) discard(id, owner string, pending []PendingSignature) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	for _, p := range pending {
		err := o.signing.DiscardFlow(ctx, owner, id, p.Handle)
		if err != nil && signing.KindOf(err) != signing.NotFound {
			o.log.Warn().Err(err).Str("handle", p.Handle).Msg("failed to discard signing request")
		}
	}
}

// finish applies update to the stored run under its lock and saves it.
func (o *Orchestrator) finish(ctx context.Context, id string, update func(*Run) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	unlock := o.locks.Lock(lockKey(id))
	defer unlock()

	run, err := o.runs.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := update(run); err != nil {
		return err
	}
	if err := o.runs.Save(ctx, id, run); err != nil {
		return err
	}

	o.log.Info().Str("flow", id).Str("status", string(run.Status)).Msg("flow updated")
	return nil
}

// fail moves a run in progress to the error state with the message of err.
func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	err := o.finish(ctx, id, func(r *Run) error {
		r.Error = cause.Error()
		return r.transition(StatusError, o.now())
	})
	if err != nil {
		o.log.Error().Err(err).AnErr("cause", cause).Str("flow", id).Msg("failed to record flow error")
		return
	}
	o.log.Warn().Err(cause).Str("flow", id).Msg("flow failed")
}

// load returns the run if it belongs to owner. Runs of other owners are
// reported as not found.
func (o *Orchestrator) load(ctx context.Context, op, id, owner string) (*Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, signing.E(op, signing.NotFound, "flow not found")
	}

	run, err := o.runs.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, signing.E(op, signing.NotFound, "flow not found")
	}
	if err != nil {
		return nil, signing.E(op, signing.StorageFailure, err)
	}
	if run.Owner != owner {
		return nil, signing.E(op, signing.NotFound, "flow not found")
	}
	return run, nil
}

// Status returns a snapshot of the run.
func (o *Orchestrator) Status(ctx context.Context, id, owner string) (*RunView, error) {
	run, err := o.load(ctx, "status", id, owner)
	if err != nil {
		return nil, err
	}
	return run.View(), nil
}

// CompleteSignatures finalizes every pending document of a run waiting for
// signatures. A signature is required for each pending handle and nothing
// is consumed unless all of them assemble.
func (o *Orchestrator) CompleteSignatures(ctx context.Context, id, owner string, signatures map[string]string) (*RunView, error) {
	const op = "complete-signatures"

	if _, err := uuid.Parse(id); err == nil {
		unlock := o.locks.Lock(lockKey(id))
		defer unlock()
	}

	run, err := o.load(ctx, op, id, owner)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusWaitingForSignatures {
		return nil, signing.E(op, signing.InvalidInput, "flow is not waiting for signatures")
	}

	pending := make(map[string]bool, len(run.Pending))
	for _, p := range run.Pending {
		if _, ok := signatures[p.Handle]; !ok {
			return nil, signing.E(op, signing.InvalidInput, fmt.Sprintf("missing signed hash for %s", p.Handle))
		}
		pending[p.Handle] = true
	}
	for handle := range signatures {
		if !pending[handle] {
			return nil, signing.E(op, signing.InvalidInput, fmt.Sprintf("%s is not pending in this flow", handle))
		}
	}

	docs, err := o.signing.FinalizeFlow(ctx, run.Owner, id, signatures)
	if signing.KindOf(err) == signing.NotFound {
		// A request that is gone cannot come back, the run cannot finish.
		o.abandon(ctx, run, err)
	}
	if err != nil {
		return nil, err
	}

	results := make([][]byte, len(run.Pending))
	for i, p := range run.Pending {
		results[i] = docs[p.Handle]
	}
	run.Documents = results
	run.Pending = nil
	if err := run.transition(StatusDone, o.now()); err != nil {
		return nil, signing.E(op, signing.Internal, err)
	}
	if err := o.runs.Save(context.WithoutCancel(ctx), id, run); err != nil {
		o.log.Error().Err(err).Str("flow", id).Msg("signatures finalized but flow state not saved")
		return nil, signing.E(op, signing.StorageFailure, err)
	}

	o.log.Info().Str("flow", id).Int("documents", len(results)).Msg("flow signatures completed")
	return run.View(), nil
}

// abandon moves a run waiting for signatures to the error state and
// discards the signing requests it still holds. The caller holds the run's
// lock.
func (o *Orchestrator) abandon(ctx context.Context, run *Run, cause error) {
	pending := run.Pending
	run.Pending = nil
	run.Error = cause.Error()
	if err := run.transition(StatusError, o.now()); err != nil {
		o.log.Error().Err(err).Str("flow", run.ID).Msg("failed to abandon flow")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.runs.Save(ctx, run.ID, run); err != nil {
		o.log.Error().Err(err).AnErr("cause", cause).Str("flow", run.ID).Msg("failed to record flow error")
		return
	}
	o.discard(run.ID, run.Owner, pending)
	o.log.Warn().Err(cause).Str("flow", run.ID).Msg("flow abandoned")
}

// Sweep fails runs waiting for signatures whose signing requests have
// expired and returns how many were failed.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	ids, err := o.runs.List(ctx)
	if err != nil {
		return 0, signing.E("sweep", signing.StorageFailure, err)
	}

	now := o.now()
	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		unlock := o.locks.Lock(lockKey(id))
		run, err := o.runs.Load(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			o.log.Warn().Err(err).Str("flow", id).Msg("failed to load flow")
		case run.Status == StatusWaitingForSignatures && run.expired(now):
			o.abandon(ctx, run, errors.New("signing requests expired"))
			expired++
		}
		unlock()
	}
	return expired, nil
}

// RunJanitor sweeps every interval until ctx is done.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = signing.DefaultJanitorInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
				o.log.Error().Err(err).Msg("flow sweep failed")
			}
		}
	}
}

// Recover marks runs left in progress by a previous process as failed.
// Call it before starting new runs.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	ids, err := o.runs.List(ctx)
	if err != nil {
		return 0, signing.E("recover", signing.StorageFailure, err)
	}

	recovered := 0
	for _, id := range ids {
		run, err := o.runs.Load(ctx, id)
		if err != nil {
			o.log.Warn().Err(err).Str("flow", id).Msg("failed to load flow")
			continue
		}
		if run.Status != StatusInProgress {
			continue
		}
		o.fail(ctx, id, errors.New("interrupted"))
		recovered++
	}
	return recovered, nil
}

// Shutdown stops accepting runs and waits for running ones. Runs still
// executing when ctx ends are canceled and recorded as failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.pool.Shutdown(ctx)
}
