// Package journal provides total ordering and crash-atomic durability
// for metadata mutations. Transactions are first written to a circular
// log region, committed with a checksummed marker, then checkpointed to
// their final locations; replay after an unclean shutdown re-applies
// committed-but-not-checkpointed entries. An unjournaled writeback mode
// skips the log entirely for volumes mounted with journaling disabled.
package journal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/journal/status"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

const defaultQueueDepth = 64

// Option configures the journal
type Option func(*Journal)

// Logger sets a logger for this journal
func Logger(l *zap.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.l = l
		}
	}
}

// Writeback disables the log: operations go straight to their final
// location through the writeback queue, with no replay after a crash.
func Writeback() Option {
	return func(j *Journal) {
		j.writeback = true
	}
}

// QueueDepth bounds the number of scheduled-but-unprocessed tasks before
// submission blocks.
func QueueDepth(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.depth = n
		}
	}
}

type request struct {
	data    []metadata.Operation
	meta    []metadata.Operation
	barrier bool
	task    *Task
}

// Journal sequences and durably commits metadata mutations. A single
// goroutine drains the task queue, so tasks complete strictly in
// enqueue order with respect to the commit pointer.
type Journal struct {
	device block.Device
	sb     *layout.Superblock

	// ring geometry; the first region block holds the journal superblock
	ringStart  uint64
	ringBlocks uint64

	// owned by the run loop
	jsb Superblock

	writeback bool
	depth     int

	mu       sync.Mutex
	closed   bool
	senders  sync.WaitGroup
	queue    chan request
	shutdown chan struct{}
	drained  chan struct{}

	l *zap.Logger
}

// New builds the production journal over a replayed superblock. The
// caller must have completed Replay first; read-only mounts must not
// construct a journal at all.
func New(device block.Device, sb *layout.Superblock, replayed *Superblock, opts ...Option) *Journal {
	j := &Journal{
		device:     device,
		sb:         sb,
		ringStart:  sb.JournalStartBlock() + 1,
		ringBlocks: sb.JournalBlocks() - 1,
		depth:      defaultQueueDepth,
		l:          zap.NewNop(),
	}
	if replayed != nil {
		j.jsb = *replayed
	}
	for _, apply := range opts {
		apply(j)
	}
	j.queue = make(chan request, j.depth)
	j.shutdown = make(chan struct{})
	j.drained = make(chan struct{})
	go j.run()
	return j
}

// WriteMetadata schedules the write operations of one logical mutation
// as a single durable unit.
func (j *Journal) WriteMetadata(ctx context.Context, ops []metadata.Operation) *Task {
	return j.Submit(ctx, nil, ops)
}

// Submit schedules one transaction: data operations go straight to their
// final location, ordered before the metadata operations, which are
// committed atomically through the log.
func (j *Journal) Submit(ctx context.Context, data, meta []metadata.Operation) *Task {
	if !j.writeback {
		var payload uint64
		for _, op := range meta {
			payload += op.Count
		}
		if payload+2 > j.ringBlocks || len(meta) > maxEntryOps {
			return completedTask(status.ErrTooLarge)
		}
	}
	return j.schedule(ctx, request{data: data, meta: meta, task: newTask()})
}

// Sync is a barrier: its task completes only once all previously
// scheduled tasks are durably committed and the device is flushed.
func (j *Journal) Sync(ctx context.Context) *Task {
	return j.schedule(ctx, request{barrier: true, task: newTask()})
}

// Close drains the queue, persists the journal superblock and stops the
// run loop. Further submissions fail with ErrClosed.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.drained
		return nil
	}
	j.closed = true
	close(j.shutdown)
	j.mu.Unlock()

	// only once every in-flight schedule call has either enqueued or
	// bailed out is it safe to close the queue under the run loop
	j.senders.Wait()
	close(j.queue)

	select {
	case <-j.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) schedule(ctx context.Context, req request) *Task {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return completedTask(status.ErrClosed)
	}
	j.senders.Add(1)
	j.mu.Unlock()
	defer j.senders.Done()

	// the queue may fill when the writeback pipeline lags: block until a
	// prior transaction's slot is reclaimed, or a concurrent Close
	// unparks us
	select {
	case j.queue <- req:
		return req.task
	case <-j.shutdown:
		return completedTask(status.ErrClosed)
	case <-ctx.Done():
		return completedTask(ctx.Err())
	}
}

func (j *Journal) run() {
	defer close(j.drained)
	ctx := context.Background()
	for req := range j.queue {
		switch {
		case req.barrier:
			req.task.complete(j.device.Flush(ctx))
		default:
			req.task.complete(j.process(ctx, req))
		}
	}
	if !j.writeback {
		if err := j.persistSuperblock(ctx); err != nil {
			j.l.Error("journal superblock write on close failed", zap.Error(err))
		}
	}
}

func (j *Journal) process(ctx context.Context, req request) error {
	// data first: blob payloads must be on disk before any metadata
	// describing them can commit
	if len(req.data) > 0 {
		if err := j.device.Transact(ctx, opRequests(req.data)); err != nil {
			return status.ErrTaskFailed.WrapWithLog(j.l, err, zap.String("stage", "data"))
		}
	}
	if len(req.meta) == 0 {
		return nil
	}

	if j.writeback {
		reqs := append(opRequests(req.meta), block.Request{Op: block.OpFlush})
		if err := j.device.Transact(ctx, reqs); err != nil {
			return status.ErrTaskFailed.WrapWithLog(j.l, err, zap.String("stage", "writeback"))
		}
		return nil
	}
	return j.logAndCheckpoint(ctx, req.meta)
}

func (j *Journal) logAndCheckpoint(ctx context.Context, meta []metadata.Operation) error {
	header := &entryHeader{sequence: j.jsb.Sequence}
	var payload []byte
	for _, op := range meta {
		header.targets = append(header.targets, metadata.Operation{Block: op.Block, Count: op.Count})
		payload = append(payload, op.Data...)
	}
	entryLen := 1 + header.payloadBlocks() + 1

	// entry body and its flush, then the commit marker and its flush:
	// the marker must never be observable before the payload
	body := append(j.ringWrites(j.jsb.Head, append(header.encode(), payload...)),
		block.Request{Op: block.OpFlush})
	if err := j.device.Transact(ctx, body); err != nil {
		return status.ErrTaskFailed.WrapWithLog(j.l, err, zap.String("stage", "log"))
	}
	commitAt := (j.jsb.Head + entryLen - 1) % j.ringBlocks
	commit := append(j.ringWrites(commitAt, encodeCommit(j.jsb.Sequence, payloadChecksum(payload))),
		block.Request{Op: block.OpFlush})
	if err := j.device.Transact(ctx, commit); err != nil {
		return status.ErrTaskFailed.WrapWithLog(j.l, err, zap.String("stage", "commit"))
	}

	// committed: the mutation survives a crash from here on
	j.jsb.Sequence++
	j.jsb.Head = (j.jsb.Head + entryLen) % j.ringBlocks

	checkpoint := append(opRequests(meta), block.Request{Op: block.OpFlush})
	if err := j.device.Transact(ctx, checkpoint); err != nil {
		return status.ErrTaskFailed.WrapWithLog(j.l, err, zap.String("stage", "checkpoint"))
	}
	// advance the on-disk head so the reclaimed ring space cannot be
	// replayed over newer entries after a wrap
	if err := j.persistSuperblock(ctx); err != nil {
		return status.ErrTaskFailed.WrapWithLog(j.l, err, zap.String("stage", "superblock"))
	}
	return nil
}

func (j *Journal) persistSuperblock(ctx context.Context) error {
	return j.device.Transact(ctx, []block.Request{
		{Op: block.OpWrite, Block: j.sb.JournalStartBlock(), Count: 1, Data: j.jsb.encode()},
		{Op: block.OpFlush},
	})
}

// ringWrites maps a byte run onto ring blocks starting at ring offset
// head, splitting at the wrap point.
func (j *Journal) ringWrites(head uint64, data []byte) []block.Request {
	nblocks := uint64(len(data)) / layout.BlockSize
	var reqs []block.Request
	for nblocks > 0 {
		at := head % j.ringBlocks
		run := j.ringBlocks - at
		if run > nblocks {
			run = nblocks
		}
		reqs = append(reqs, block.Request{
			Op:    block.OpWrite,
			Block: j.ringStart + at,
			Count: run,
			Data:  data[:run*layout.BlockSize],
		})
		data = data[run*layout.BlockSize:]
		head += run
		nblocks -= run
	}
	return reqs
}

func opRequests(ops []metadata.Operation) []block.Request {
	reqs := make([]block.Request, 0, len(ops))
	for _, op := range ops {
		reqs = append(reqs, block.Request{
			Op:    block.OpWrite,
			Block: op.Block,
			Count: op.Count,
			Data:  op.Data,
		})
	}
	return reqs
}
