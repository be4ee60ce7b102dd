// Command iourcp copies a file using io_uring, following liburing's
// io_uring-cp.c example: a fixed-depth pipeline of reads feeding writes,
// correlated purely through user_data.
package main

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/eapache/queue"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	iouring "github.com/behrlich/go-iouring"
)

const ioctlBlkGetSize64 = 0x80081272

var (
	queueDepth uint32
	blockSize  uint32
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "iourcp <infile> <outfile>",
		Short: "copy a file using io_uring",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
		SilenceUsage: true,
	}

	root.Flags().Uint32Var(&queueDepth, "queue-depth", 64, "number of in-flight read/write slots")
	root.Flags().Uint32Var(&blockSize, "block-size", 32*1024, "chunk size in bytes")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// copySlot tracks one in-flight chunk. isWrite distinguishes a pending read
// from a pending write so the completion handler knows what to do next;
// both phases of a chunk's life reuse the same slot and buffer.
type copySlot struct {
	buf     []byte
	offset  int64
	isWrite bool
}

func run(inPath, outPath string) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "iourcp"})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.WarnLevel)
	}

	fin, err := os.Open(inPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "open %s", inPath)
	}
	defer fin.Close()

	fout, err := os.Create(outPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "create %s", outPath)
	}
	defer fout.Close()

	var insize int64
	var ring *iouring.Ring

	// Probing the input file's size and standing up the ring are
	// independent; run them concurrently. Wait lets both finish and reports
	// whichever error occurred first.
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		insize, err = fileSize(fin)
		return err
	})
	g.Go(func() error {
		var err error
		ring, err = iouring.New(queueDepth, iouring.WithLogger(logger))
		return err
	})
	if err := g.Wait(); err != nil {
		return pkgerrors.Wrap(err, "setup")
	}
	defer ring.Close()

	logger.Debug("copying", "insize", insize, "queue_depth", queueDepth, "block_size", blockSize)
	return copyFile(ring, int(fin.Fd()), int(fout.Fd()), insize, logger)
}

func copyFile(ring *iouring.Ring, fdIn, fdOut int, size int64, logger *log.Logger) error {
	slots := make([]*copySlot, queueDepth)
	free := queue.New()
	for i := uint32(0); i < queueDepth; i++ {
		free.Add(int(i))
	}

	var offset int64
	remaining := size
	inflight := 0

	for remaining > 0 || inflight > 0 {
		for remaining > 0 && free.Length() > 0 {
			slot := free.Remove().(int)
			n := int64(blockSize)
			if n > remaining {
				n = remaining
			}
			s := &copySlot{buf: make([]byte, n), offset: offset}
			slots[slot] = s

			if err := ring.PrepRead(fdIn, s.buf, uint64(offset), uint64(slot)); err != nil {
				return pkgerrors.Wrap(err, "prep read")
			}
			offset += n
			remaining -= n
			inflight++
		}

		if inflight == 0 {
			break
		}

		if _, err := ring.Submit(); err != nil {
			return pkgerrors.Wrap(err, "submit")
		}

		userData, res, _, err := ring.WaitCQE()
		if err != nil {
			return pkgerrors.Wrap(err, "wait cqe")
		}
		ring.SeenCQE()

		slot := int(userData)
		s := slots[slot]
		if res < 0 {
			return pkgerrors.Wrap(iouring.ResultError(res), "chunk i/o")
		}

		if !s.isWrite {
			s.isWrite = true
			if err := ring.PrepWrite(fdOut, s.buf[:res], uint64(s.offset), uint64(slot)); err != nil {
				return pkgerrors.Wrap(err, "prep write")
			}
			if _, err := ring.Submit(); err != nil {
				return pkgerrors.Wrap(err, "submit")
			}
			continue
		}

		slots[slot] = nil
		free.Add(slot)
		inflight--
		logger.Debug("chunk done", "offset", s.offset, "len", len(s.buf))
	}

	return nil
}

// fileSize returns the byte size of a regular file or block device, mirroring
// liburing's io_uring-cp.c get_file_size (fstat for regular files,
// BLKGETSIZE64 for block devices).
func fileSize(f *os.File) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, pkgerrors.Wrap(err, "fstat")
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return st.Size, nil
	case unix.S_IFBLK:
		var bytes uint64
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), ioctlBlkGetSize64, uintptr(unsafe.Pointer(&bytes)))
		if errno != 0 {
			return 0, pkgerrors.Wrap(errno, "BLKGETSIZE64")
		}
		return int64(bytes), nil
	default:
		return 0, pkgerrors.New("cannot determine file size: not a regular file or block device")
	}
}
