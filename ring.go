//go:build linux

// Package iouring provides a high-performance, zero-allocation io_uring
// interface for Go.
package iouring

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-iouring/internal/sys"
)

// Common errors
var (
	ErrRingClosed   = errors.New("iouring: ring closed")
	ErrSQFull       = errors.New("iouring: submission queue full")
	ErrCQOverflow   = errors.New("iouring: completion queue overflow")
	ErrNotSupported = errors.New("iouring: operation not supported on this kernel")
)

// defaultLogger is used by rings constructed without WithLogger. It stays
// quiet unless the caller raises the level, so the library is silent by
// default.
var defaultLogger = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "iouring",
	Level:  log.WarnLevel,
})

// Timespec is a time specification for timeout operations.
type Timespec = sys.Timespec

// Ring represents an io_uring instance.
type Ring struct {
	fd       int
	params   sys.Params
	features uint32
	log      *log.Logger

	// Submission queue
	sqRing    []byte    // mmap'd SQ ring
	sqEntries uint32    // Number of SQ entries
	sqMask    uint32    // SQ ring mask
	sqHead    *uint32   // Pointer into mmap'd region
	sqTail    *uint32   // Pointer into mmap'd region
	sqFlags   *uint32   // Pointer into mmap'd region
	sqDropped *uint32   // Pointer into mmap'd region
	sqArray   []uint32  // SQ index array (into sqes)
	sqes      []sys.SQE // SQE array
	sqesMmap  []byte    // mmap'd SQE region

	// Completion queue
	cqRing     []byte    // mmap'd CQ ring (may share with sqRing)
	cqEntries  uint32    // Number of CQ entries
	cqMask     uint32    // CQ ring mask
	cqHead     *uint32   // Pointer into mmap'd region
	cqTail     *uint32   // Pointer into mmap'd region
	cqFlags    *uint32   // Pointer into mmap'd region
	cqOverflow *uint32   // Pointer into mmap'd region
	cqes       []sys.CQE // CQE array (view into mmap)

	// Internal state
	sqLock    sync.Mutex // Protects SQ access for concurrent use
	sqPending uint32     // Number of SQEs pending submission
	closed    atomic.Bool
}

// Option configures ring setup.
type Option func(*ringConfig)

// ringConfig collects both kernel setup params and userspace-only knobs
// (like the logger) that Options may set.
type ringConfig struct {
	params sys.Params
	log    *log.Logger
}

// WithSQPoll enables kernel-side SQ polling.
// This eliminates syscalls for submission but requires CAP_SYS_NICE
// or a recent kernel with io_uring permissions.
func WithSQPoll() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_SQPOLL
	}
}

// WithSQPollCPU pins the SQPOLL kernel thread to a specific CPU.
// Must be used with WithSQPoll.
func WithSQPollCPU(cpu uint32) Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_SQ_AFF
		c.params.SQThreadCPU = cpu
	}
}

// WithSQPollIdle sets the idle timeout (milliseconds) for SQPOLL thread.
func WithSQPollIdle(ms uint32) Option {
	return func(c *ringConfig) {
		c.params.SQThreadIdle = ms
	}
}

// WithIOPoll enables I/O polling for completions.
// Only works with file descriptors that support polling (e.g., NVMe).
func WithIOPoll() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_IOPOLL
	}
}

// WithCQSize sets a custom completion queue size.
// By default CQ size is 2x SQ size.
func WithCQSize(size uint32) Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_CQSIZE
		c.params.CQEntries = size
	}
}

// WithSingleIssuer indicates only one task will submit to this ring.
// Enables optimizations in the kernel.
func WithSingleIssuer() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_SINGLE_ISSUER
	}
}

// WithDeferTaskrun defers task work until the next io_uring_enter call.
// Useful for batching completions. Requires SINGLE_ISSUER.
func WithDeferTaskrun() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_SINGLE_ISSUER
	}
}

// WithCoopTaskrun enables cooperative task running.
func WithCoopTaskrun() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_COOP_TASKRUN
	}
}

// WithFlags sets arbitrary setup flags.
func WithFlags(flags uint32) Option {
	return func(c *ringConfig) {
		c.params.Flags |= flags
	}
}

// WithLogger sets the structured logger used for lifecycle, wakeup-decision,
// and teardown-failure logging. A nil logger restores the package default
// (silent below warn level).
func WithLogger(l *log.Logger) Option {
	return func(c *ringConfig) {
		if l == nil {
			l = defaultLogger
		}
		c.log = l
	}
}

// New creates a new io_uring instance.
// entries specifies the minimum number of submission queue entries
// (will be rounded up to a power of 2 by the kernel).
func New(entries uint32, opts ...Option) (*Ring, error) {
	if entries == 0 {
		return nil, unix.EINVAL
	}

	cfg := ringConfig{log: defaultLogger}
	for _, opt := range opts {
		opt(&cfg)
	}

	fd, err := sys.Setup(entries, &cfg.params)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "iouring: setup")
	}

	r := &Ring{
		fd:       fd,
		params:   cfg.params,
		features: cfg.params.Features,
		log:      cfg.log,
	}

	if err := r.mapRings(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	r.log.Debug("ring opened", "fd", fd, "sq_entries", r.sqEntries, "cq_entries", r.cqEntries, "features", r.features)
	return r, nil
}

// mapRings maps the SQ, CQ, and SQE arrays into memory.
func (r *Ring) mapRings() error {
	p := &r.params

	// Calculate sizes
	sqRingSize := p.SQOff.Array + p.SQEntries*4
	cqRingSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(sys.CQE{}))

	// If SINGLE_MMAP is supported, SQ and CQ share memory
	singleMmap := p.Features&sys.IORING_FEAT_SINGLE_MMAP != 0
	if singleMmap {
		if cqRingSize > sqRingSize {
			sqRingSize = cqRingSize
		}
	}

	// Map SQ ring
	var err error
	r.sqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_SQ_RING, int(sqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return pkgerrors.Wrap(err, "iouring: mmap sq ring")
	}

	// Map CQ ring (may be same as SQ ring)
	if singleMmap {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_CQ_RING, int(cqRingSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			r.munmapLogged(r.sqRing, "sq ring (unwind)")
			return pkgerrors.Wrap(err, "iouring: mmap cq ring")
		}
	}

	// Map SQE array
	sqeSize := p.SQEntries * uint32(unsafe.Sizeof(sys.SQE{}))
	r.sqesMmap, err = sys.Mmap(r.fd, sys.IORING_OFF_SQES, int(sqeSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		if !singleMmap {
			r.munmapLogged(r.cqRing, "cq ring (unwind)")
		}
		r.munmapLogged(r.sqRing, "sq ring (unwind)")
		return pkgerrors.Wrap(err, "iouring: mmap sqes")
	}

	// Set up SQ pointers
	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingEntries]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingMask]))
	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Tail]))
	r.sqFlags = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Flags]))
	r.sqDropped = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Dropped]))

	// SQ array is uint32 indices into the SQE array
	sqArrayPtr := unsafe.Pointer(&r.sqRing[p.SQOff.Array])
	r.sqArray = unsafe.Slice((*uint32)(sqArrayPtr), r.sqEntries)

	// SQE array
	sqesPtr := unsafe.Pointer(&r.sqesMmap[0])
	r.sqes = unsafe.Slice((*sys.SQE)(sqesPtr), p.SQEntries)

	// Set up CQ pointers
	r.cqEntries = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingEntries]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingMask]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Tail]))
	r.cqFlags = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Flags]))
	r.cqOverflow = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Overflow]))

	// CQE array
	cqesPtr := unsafe.Pointer(&r.cqRing[p.CQOff.CQEs])
	r.cqes = unsafe.Slice((*sys.CQE)(cqesPtr), r.cqEntries)

	// The kernel's ring_entries cell must agree with what setup reported;
	// the SQE mapping and slice above are sized from setup's sq_entries while
	// the index array uses the ring's cell, and a mismatch here means the ABI
	// assumptions in this package no longer hold.
	if r.sqEntries != p.SQEntries {
		r.munmapLogged(r.sqesMmap, "sqes")
		if !singleMmap {
			r.munmapLogged(r.cqRing, "cq ring")
		}
		r.munmapLogged(r.sqRing, "sq ring")
		return pkgerrors.Errorf("iouring: kernel sq ring_entries %d != setup sq_entries %d", r.sqEntries, p.SQEntries)
	}

	return nil
}

// munmapLogged unmaps data, logging (but never returning) a failure. Used on
// error-unwind and teardown paths where a munmap failure must not shadow the
// original error nor stop the rest of teardown from running.
func (r *Ring) munmapLogged(data []byte, what string) {
	if data == nil {
		return
	}
	if err := sys.Munmap(data); err != nil {
		r.log.Warn("munmap failed", "region", what, "error", pkgerrors.Wrap(err, "munmap"))
	}
}

// Close closes the ring and releases all resources. Safe to call more than
// once; only the first call does work. Unmap/close failures are logged and
// never returned, so a prior caller-visible error (e.g. from Submit) stays
// the one that surfaces.
func (r *Ring) Close() error {
	if r.closed.Swap(true) {
		return nil // Already closed
	}

	singleMmap := r.params.Features&sys.IORING_FEAT_SINGLE_MMAP != 0

	// Unmap CQ if separate from SQ
	if !singleMmap && r.cqRing != nil {
		r.munmapLogged(r.cqRing, "cq ring")
	}

	// Unmap SQ and SQEs
	r.munmapLogged(r.sqRing, "sq ring")
	r.munmapLogged(r.sqesMmap, "sqes")

	if err := unix.Close(r.fd); err != nil {
		r.log.Warn("close ring fd failed", "fd", r.fd, "error", pkgerrors.Wrap(err, "close"))
	}

	r.log.Debug("ring closed", "fd", r.fd)
	return nil
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int {
	return r.fd
}

// Features returns the feature flags from io_uring_params.
func (r *Ring) Features() uint32 {
	return r.features
}

// HasFeature checks if a specific feature is supported.
func (r *Ring) HasFeature(feat uint32) bool {
	return r.features&feat != 0
}

// SQEntries returns the number of submission queue entries.
func (r *Ring) SQEntries() uint32 {
	return r.sqEntries
}

// CQEntries returns the number of completion queue entries.
func (r *Ring) CQEntries() uint32 {
	return r.cqEntries
}

// SQReady returns the number of SQEs ready for submission.
func (r *Ring) SQReady() uint32 {
	return r.sqPending
}

// SQSpace returns the available space in the submission queue.
func (r *Ring) SQSpace() uint32 {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail)
	return r.sqEntries - (tail - head)
}

// CQReady returns the number of CQEs ready for consumption.
func (r *Ring) CQReady() uint32 {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	return tail - head
}

// needsWakeup returns true if SQPOLL thread needs waking. Reads kflags with
// acquire semantics (atomic.LoadUint32) so a stale NEED_WAKEUP is never
// observed after the kernel thread has gone to sleep.
func (r *Ring) needsWakeup() bool {
	if r.params.Flags&sys.IORING_SETUP_SQPOLL == 0 {
		return false
	}
	return atomic.LoadUint32(r.sqFlags)&sys.IORING_SQ_NEED_WAKEUP != 0
}

// Submit publishes all pending SQEs to the kernel.
// Returns the number of SQEs submitted. With nothing pending it returns 0
// without a syscall. On a ring set up with SQPOLL, when the polling thread
// does not need waking, no syscall is made at all; without SQPOLL, pending
// entries are always handed over with io_uring_enter.
func (r *Ring) Submit() (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted == 0 {
		r.sqLock.Unlock()
		return 0, nil
	}

	// Publish the new tail with release semantics: every write to the SQE
	// and array cells below this index must be visible to the kernel before
	// it observes the bumped tail.
	tail := atomic.LoadUint32(r.sqTail)
	atomic.StoreUint32(r.sqTail, tail+submitted)
	r.sqPending = 0
	r.sqLock.Unlock()

	var flags uint32
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
		r.log.Debug("sqpoll wakeup", "submitted", submitted)
	}

	// Zero-syscall fast path: SQPOLL is draining the ring on its own and
	// doesn't need a nudge.
	if r.params.Flags&sys.IORING_SETUP_SQPOLL != 0 && flags == 0 {
		return int(submitted), nil
	}

	n, err := sys.Enter(r.fd, submitted, 0, flags, nil)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "iouring: enter")
	}
	return n, nil
}

// SubmitAndWait submits pending SQEs and waits for at least min(n, submitted)
// completions, where submitted is the number of SQEs this call publishes.
// Unlike Submit, this always calls into the kernel (with GETEVENTS) even if
// nothing new was queued; in that case the wait count is 0 and the call does
// not block for requests that are already in flight (WaitCQE does).
func (r *Ring) SubmitAndWait(n uint32) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted > 0 {
		tail := atomic.LoadUint32(r.sqTail)
		atomic.StoreUint32(r.sqTail, tail+submitted)
		r.sqPending = 0
	}
	r.sqLock.Unlock()

	// wait_nr is clamped to what was actually submitted so an over-eager
	// caller can't block forever on completions nothing asked for.
	waitNr := n
	if waitNr > submitted {
		waitNr = submitted
	}

	var flags uint32 = sys.IORING_ENTER_GETEVENTS
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	result, err := sys.Enter(r.fd, submitted, waitNr, flags, nil)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "iouring: enter")
	}
	return result, nil
}

// SubmitAndWaitTimeout submits pending SQEs and waits for at least n
// completions or until timeout elapses. As in SubmitAndWait, n is clamped to
// the number of SQEs this call submits. Uses IORING_ENTER_EXT_ARG when the
// kernel supports it (IORING_FEAT_EXT_ARG); otherwise falls back to
// submitting normally and polling CQReady, matching the degraded path
// WaitCQETimeout takes on older kernels.
func (r *Ring) SubmitAndWaitTimeout(n uint32, timeout time.Duration) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted > 0 {
		tail := atomic.LoadUint32(r.sqTail)
		atomic.StoreUint32(r.sqTail, tail+submitted)
		r.sqPending = 0
	}
	r.sqLock.Unlock()

	waitNr := n
	if waitNr > submitted {
		waitNr = submitted
	}

	if !r.HasFeature(sys.IORING_FEAT_EXT_ARG) {
		if submitted > 0 {
			var flags uint32
			if r.needsWakeup() {
				flags = sys.IORING_ENTER_SQ_WAKEUP
			}
			if _, err := sys.Enter(r.fd, submitted, 0, flags, nil); err != nil {
				return 0, pkgerrors.Wrap(err, "iouring: enter")
			}
		}
		deadline := time.Now().Add(timeout)
		for r.CQReady() < waitNr {
			if time.Now().After(deadline) {
				return 0, unix.ETIME
			}
			if _, err := sys.Enter(r.fd, 0, 0, sys.IORING_ENTER_GETEVENTS, nil); err != nil {
				return 0, pkgerrors.Wrap(err, "iouring: enter")
			}
		}
		return int(submitted), nil
	}

	ts := sys.Timespec{
		Sec:  int64(timeout / time.Second),
		Nsec: int64(timeout % time.Second),
	}
	arg := sys.GetEventsArg{
		Ts: uint64(uintptr(unsafe.Pointer(&ts))),
	}

	var flags uint32 = sys.IORING_ENTER_GETEVENTS
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	n2, err := sys.EnterExt(r.fd, submitted, waitNr, flags, &arg)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "iouring: enter")
	}
	return n2, nil
}

// RegisterEventfd registers an eventfd for completion notification.
func (r *Ring) RegisterEventfd(eventfd int) error {
	return pkgerrors.Wrap(sys.RegisterEventfd(r.fd, eventfd), "iouring: register eventfd")
}

// UnregisterEventfd removes the registered eventfd.
func (r *Ring) UnregisterEventfd() error {
	return pkgerrors.Wrap(sys.UnregisterEventfd(r.fd), "iouring: unregister eventfd")
}

// RegisterBuffers registers fixed buffers for I/O operations.
func (r *Ring) RegisterBuffers(bufs [][]byte) error {
	if len(bufs) == 0 {
		return unix.EINVAL
	}

	iovecs := make([]unix.Iovec, len(bufs))
	for i, buf := range bufs {
		if len(buf) > 0 {
			iovecs[i].Base = &buf[0]
			iovecs[i].SetLen(len(buf))
		}
	}

	return pkgerrors.Wrap(sys.RegisterBuffers(r.fd, iovecs), "iouring: register buffers")
}

// UnregisterBuffers removes registered buffers.
func (r *Ring) UnregisterBuffers() error {
	return pkgerrors.Wrap(sys.UnregisterBuffers(r.fd), "iouring: unregister buffers")
}

// RegisterFiles registers fixed file descriptors.
func (r *Ring) RegisterFiles(fds []int) error {
	if len(fds) == 0 {
		return unix.EINVAL
	}

	fds32 := make([]int32, len(fds))
	for i, fd := range fds {
		fds32[i] = int32(fd)
	}

	return pkgerrors.Wrap(sys.RegisterFiles(r.fd, fds32), "iouring: register files")
}

// UnregisterFiles removes registered files.
func (r *Ring) UnregisterFiles() error {
	return pkgerrors.Wrap(sys.UnregisterFiles(r.fd), "iouring: unregister files")
}
