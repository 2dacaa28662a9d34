// Package pusher drives local changes to the peer: it scans the database in
// batches, queues the revisions that need sending, keeps a bounded amount of
// work in flight and reports each finished sequence to the checkpointer.
package pusher

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-sync/pkg/actor"
	"github.com/dd0wney/cluso-sync/pkg/checkpoint"
	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/metrics"
	"github.com/dd0wney/cluso-sync/pkg/store"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

const (
	DefaultBatchSize           = 200
	DefaultMaxRevsInFlight     = 10
	DefaultMaxRevBytesInFlight = 2 << 20
	DefaultMaxBlobsInFlight    = 2
	DefaultMaxRetries          = 3
)

// Options configure a Pusher. Zero values take the defaults above.
type Options struct {
	// Continuous keeps pushing new changes after the backlog is done.
	Continuous  bool
	SkipDeleted bool
	// SkipForeign skips revisions that were received from a peer.
	SkipForeign bool

	// BatchSize is how many changes one scan reads. Another scan starts once
	// fewer than BatchSize revisions are waiting to be sent.
	BatchSize           int
	MaxRevsInFlight     int
	MaxRevBytesInFlight int
	MaxBlobsInFlight    int
	// MaxRetries bounds how often one revision is resent after transient failures.
	MaxRetries int

	// OnStatus is called on the pusher's goroutine whenever Status changes.
	OnStatus func(Status)
	// OnDocError is called for each revision that fails permanently.
	OnDocError func(*DocError)
	// OnError is called if reading changes fails; the pusher then stops.
	OnError func(error)

	Logger  logging.Logger
	Metrics *metrics.Registry
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxRevsInFlight <= 0 {
		o.MaxRevsInFlight = DefaultMaxRevsInFlight
	}
	if o.MaxRevBytesInFlight <= 0 {
		o.MaxRevBytesInFlight = DefaultMaxRevBytesInFlight
	}
	if o.MaxBlobsInFlight <= 0 {
		o.MaxBlobsInFlight = DefaultMaxBlobsInFlight
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
}

// Pusher is an actor; every field below the actor is owned by it.
type Pusher struct {
	actor  *actor.Actor
	db     store.Database
	cp     *checkpoint.Checkpointer
	sender Sender
	opts   Options
	logger logging.Logger

	started          bool
	stopped          bool
	gettingChanges   bool
	newChanges       bool
	caughtUp         bool
	lastSequenceRead uint64

	revsToSend    []*RevToSend
	pushing       map[string]*RevToSend // docID -> revision queued or in flight
	deferred      map[string]*RevToSend // docID -> newer revision waiting for pushing[docID]
	inFlight      map[*RevToSend]bool
	revsInFlight  int
	bytesInFlight int
	blobsInFlight int

	progress   Progress
	lastStatus Status
	unobserve  func()
	finished   chan struct{}
	isFinished bool
}

// New creates a Pusher. Nothing happens until Start.
func New(db store.Database, cp *checkpoint.Checkpointer, sender Sender, opts Options) *Pusher {
	opts.applyDefaults()
	logger := logging.OrDefault(opts.Logger).With(logging.Component("pusher"))
	return &Pusher{
		actor:    actor.New("pusher", actor.WithLogger(opts.Logger)),
		db:       db,
		cp:       cp,
		sender:   sender,
		opts:     opts,
		logger:   logger,
		pushing:  make(map[string]*RevToSend),
		deferred: make(map[string]*RevToSend),
		inFlight: make(map[*RevToSend]bool),
		finished: make(chan struct{}),
	}
}

// Start begins pushing changes after since.
func (p *Pusher) Start(since uint64) {
	p.actor.Enqueue(func() {
		if p.started || p.stopped {
			return
		}
		p.started = true
		p.lastSequenceRead = since
		if p.opts.Continuous {
			p.unobserve = p.db.Observe(func(changes []store.Change) {
				p.actor.Enqueue(func() { p.dbChanged(changes) })
			})
		}
		p.logger.Info("push started",
			logging.Sequence(since),
			logging.Bool("continuous", p.opts.Continuous))
		p.pump()
	})
}

// Stop abandons the push. Revisions still in flight stay pending in the
// checkpoint and are pushed by a later session.
func (p *Pusher) Stop() {
	p.actor.Enqueue(func() {
		if p.stopped {
			return
		}
		p.stopped = true
		if p.unobserve != nil {
			p.unobserve()
			p.unobserve = nil
		}
		p.logger.Debug("push stopped")
	})
	p.actor.Close()
}

// Finished is closed when a one-shot push has sent everything it found.
func (p *Pusher) Finished() <-chan struct{} {
	return p.finished
}

// Status returns the current status.
func (p *Pusher) Status(ctx context.Context) (Status, error) {
	var s Status
	err := p.actor.Call(ctx, func() { s = p.status() })
	return s, err
}

// BlobStarted records that the peer is downloading an attachment. Sending
// revisions stalls while MaxBlobsInFlight transfers are running.
func (p *Pusher) BlobStarted() {
	p.actor.Enqueue(func() {
		p.blobsInFlight++
		p.reportStatus()
	})
}

// BlobFinished balances a BlobStarted.
func (p *Pusher) BlobFinished() {
	p.actor.Enqueue(func() {
		if p.blobsInFlight > 0 {
			p.blobsInFlight--
		}
		p.pump()
	})
}

func (p *Pusher) pump() {
	if p.stopped || !p.started {
		return
	}
	p.maybeSendMoreRevs()
	p.maybeGetMoreChanges()
	p.reportStatus()
	p.checkFinished()
}

func (p *Pusher) maybeGetMoreChanges() {
	if p.gettingChanges || p.caughtUp || len(p.revsToSend) >= p.opts.BatchSize {
		return
	}
	p.gettingChanges = true
	p.newChanges = false
	since, limit := p.lastSequenceRead, p.opts.BatchSize
	go func() {
		changes, err := p.db.ChangesSince(since, limit)
		p.actor.Enqueue(func() { p.gotChanges(since, changes, err) })
	}()
}

func (p *Pusher) gotChanges(since uint64, changes []store.Change, err error) {
	p.gettingChanges = false
	if p.stopped {
		return
	}
	if err != nil {
		p.fail(syncerr.Storage(err).Message("reading changes since %d", since).Err())
		return
	}

	last := since
	var seqs []uint64
	var revs []*RevToSend
	for _, ch := range changes {
		last = ch.Sequence
		if !p.cp.IsSequencePending(ch.Sequence) || !p.shouldPush(ch) {
			continue
		}
		seqs = append(seqs, ch.Sequence)
		revs = append(revs, revFromChange(ch))
	}
	p.cp.AddPendingSequences(seqs, since, last)
	p.lastSequenceRead = last
	p.progress.Total += uint64(len(seqs))
	p.caughtUp = len(changes) < p.opts.BatchSize && !p.newChanges
	p.newChanges = false

	p.logger.Debug("read changes",
		logging.Sequence(since),
		logging.Uint64("last", last),
		logging.Int("found", len(changes)),
		logging.Int("queued", len(revs)))

	for _, rev := range revs {
		p.queueRev(rev)
	}
	p.pump()
}

func (p *Pusher) shouldPush(ch store.Change) bool {
	if p.opts.SkipDeleted && ch.Deleted {
		return false
	}
	if p.opts.SkipForeign && ch.Foreign {
		return false
	}
	return p.cp.IsDocumentAllowed(ch)
}

// dbChanged handles a commit notification in continuous mode.
func (p *Pusher) dbChanged(changes []store.Change) {
	if p.stopped || !p.started {
		return
	}
	for _, ch := range changes {
		if ch.Sequence > p.lastSequenceRead {
			if p.gettingChanges {
				p.newChanges = true
			} else {
				p.caughtUp = false
			}
			continue
		}
		// Already behind the scan: the scan normally saw it, but anything
		// still pending that isn't queued must not be skipped.
		if cur := p.pushing[ch.DocID]; cur != nil && cur.Sequence >= ch.Sequence {
			continue
		}
		if !p.cp.IsSequencePending(ch.Sequence) || !p.shouldPush(ch) {
			continue
		}
		p.progress.Total++
		p.gotOutOfOrderChange(revFromChange(ch))
	}
	p.pump()
}

func (p *Pusher) gotOutOfOrderChange(rev *RevToSend) {
	p.logger.Debug("queueing out-of-order change", logging.DocID(rev.DocID), logging.Sequence(rev.Sequence))
	p.cp.AddPendingSequence(rev.Sequence)
	p.queueRev(rev)
}

// queueRev makes rev the next revision of its document to send. Only one
// revision per document is ever in flight; a newer one waits in deferred.
func (p *Pusher) queueRev(rev *RevToSend) {
	cur := p.pushing[rev.DocID]
	switch {
	case cur == nil:
		p.pushing[rev.DocID] = rev
		p.revsToSend = append(p.revsToSend, rev)
	case rev.Sequence <= cur.Sequence:
		if rev.Sequence < cur.Sequence {
			p.supersede(rev)
		}
	case !p.inFlight[cur]:
		// Not sent yet: send the newer revision in its place.
		for i, r := range p.revsToSend {
			if r == cur {
				p.revsToSend[i] = rev
				break
			}
		}
		p.pushing[rev.DocID] = rev
		p.supersede(cur)
	default:
		if old := p.deferred[rev.DocID]; old != nil {
			if old.Sequence >= rev.Sequence {
				if old.Sequence > rev.Sequence {
					p.supersede(rev)
				}
				return
			}
			p.supersede(old)
		}
		p.deferred[rev.DocID] = rev
	}
}

// supersede completes a revision that will never be sent because a newer
// revision of the same document replaces it.
func (p *Pusher) supersede(rev *RevToSend) {
	p.logger.Debug("revision superseded", logging.DocID(rev.DocID), logging.RevID(rev.RevID))
	p.opts.Metrics.RecordRevision("superseded", 0)
	p.cp.CompletedSequence(rev.Sequence)
	p.progress.Completed++
}

func (p *Pusher) canSendMore() bool {
	return p.revsInFlight < p.opts.MaxRevsInFlight &&
		p.bytesInFlight < p.opts.MaxRevBytesInFlight &&
		p.blobsInFlight < p.opts.MaxBlobsInFlight
}

func (p *Pusher) maybeSendMoreRevs() {
	for len(p.revsToSend) > 0 && p.canSendMore() {
		rev := p.revsToSend[0]
		p.revsToSend[0] = nil
		p.revsToSend = p.revsToSend[1:]
		p.sendRevision(rev)
	}
}

func (p *Pusher) sendRevision(rev *RevToSend) {
	doc, err := p.db.Get(rev.DocID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.finishRev(rev, "superseded")
		return
	case err != nil:
		p.docFailed(rev, syncerr.Storage(err).Message("reading %s", rev).Err())
		return
	case doc.RevID != rev.RevID:
		// Changed since the scan; the newer revision has its own sequence.
		p.finishRev(rev, "superseded")
		return
	}

	body := doc.Body
	size := len(body)
	p.inFlight[rev] = true
	p.revsInFlight++
	p.bytesInFlight += size
	p.logger.Debug("sending revision", logging.DocID(rev.DocID), logging.RevID(rev.RevID), logging.Int("bytes", size))
	p.sender.SendRev(rev, body, func(err error) {
		p.actor.Enqueue(func() { p.revReplied(rev, size, err) })
	})
}

func (p *Pusher) revReplied(rev *RevToSend, size int, err error) {
	if p.stopped || !p.inFlight[rev] {
		return
	}
	delete(p.inFlight, rev)
	p.revsInFlight--
	p.bytesInFlight -= size

	switch {
	case err == nil:
		p.progress.DocsPushed++
		p.progress.BytesPushed += uint64(size)
		p.opts.Metrics.RecordRevision("pushed", size)
		p.finishRev(rev, "")
	case syncerr.MayBeTransient(err) && rev.Retries < p.opts.MaxRetries:
		rev.Retries++
		p.logger.Debug("requeueing revision after transient error",
			logging.DocID(rev.DocID), logging.Attempt(rev.Retries), logging.Error(err))
		p.opts.Metrics.RecordRevision("retried", 0)
		p.revsToSend = append(p.revsToSend, rev)
	default:
		p.docFailed(rev, err)
	}
	p.pump()
}

// docFailed gives up on one revision without stopping the push.
func (p *Pusher) docFailed(rev *RevToSend, err error) {
	p.progress.DocsFailed++
	p.logger.Warn("failed to push revision",
		logging.DocID(rev.DocID), logging.RevID(rev.RevID), logging.Error(err))
	p.opts.Metrics.RecordRevision("failed", 0)
	if p.opts.OnDocError != nil {
		p.opts.OnDocError(&DocError{Rev: rev, Err: err})
	}
	p.finishRev(rev, "")
}

func (p *Pusher) finishRev(rev *RevToSend, result string) {
	if result != "" {
		p.opts.Metrics.RecordRevision(result, 0)
	}
	p.cp.CompletedSequence(rev.Sequence)
	p.progress.Completed++
	if p.pushing[rev.DocID] == rev {
		delete(p.pushing, rev.DocID)
		if next := p.deferred[rev.DocID]; next != nil {
			delete(p.deferred, rev.DocID)
			p.gotOutOfOrderChange(next)
		}
	}
}

func (p *Pusher) fail(err error) {
	p.logger.Error("push failed", logging.Error(err))
	p.stopped = true
	if p.unobserve != nil {
		p.unobserve()
		p.unobserve = nil
	}
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}

func (p *Pusher) status() Status {
	idle := p.caughtUp && !p.gettingChanges && len(p.pushing) == 0 && p.blobsInFlight == 0
	return Status{Busy: p.started && !p.stopped && !idle, Progress: p.progress}
}

func (p *Pusher) reportStatus() {
	s := p.status()
	if s == p.lastStatus {
		return
	}
	p.lastStatus = s
	p.opts.Metrics.UpdatePushMetrics(p.revsInFlight, p.cp.NumPendingSequences())
	if p.opts.OnStatus != nil {
		p.opts.OnStatus(s)
	}
}

func (p *Pusher) checkFinished() {
	if p.opts.Continuous || p.isFinished || p.stopped || p.status().Busy {
		return
	}
	p.isFinished = true
	p.logger.Info("push complete",
		logging.Uint64("pushed", p.progress.DocsPushed),
		logging.Uint64("failed", p.progress.DocsFailed))
	close(p.finished)
}
