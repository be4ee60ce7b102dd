//go:build linux

package main

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"os"
	"testing"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	iouring "github.com/behrlich/go-iouring"
)

func newTestRing(t *testing.T, entries uint32) *iouring.Ring {
	t.Helper()
	ring, err := iouring.New(entries)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) {
			t.Skipf("io_uring unavailable: %v", err)
		}
		t.Skipf("io_uring unavailable: %v", err)
	}
	return ring
}

func copyViaTempFiles(t *testing.T, data []byte, qDepth, blkSize uint32) []byte {
	t.Helper()

	in, err := os.CreateTemp("", "iourcp_in")
	if err != nil {
		t.Fatalf("CreateTemp in: %v", err)
	}
	defer os.Remove(in.Name())
	defer in.Close()

	if _, err := in.Write(data); err != nil {
		t.Fatalf("write input: %v", err)
	}

	out, err := os.CreateTemp("", "iourcp_out")
	if err != nil {
		t.Fatalf("CreateTemp out: %v", err)
	}
	defer os.Remove(out.Name())
	defer out.Close()

	ring := newTestRing(t, qDepth)
	defer ring.Close()

	origQueueDepth, origBlockSize := queueDepth, blockSize
	queueDepth, blockSize = qDepth, blkSize
	defer func() { queueDepth, blockSize = origQueueDepth, origBlockSize }()

	logger := log.NewWithOptions(os.Stderr, log.Options{})
	logger.SetLevel(log.FatalLevel)

	size, err := fileSize(in)
	if err != nil {
		t.Fatalf("fileSize: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("fileSize = %d, want %d", size, len(data))
	}

	if err := copyFile(ring, int(in.Fd()), int(out.Fd()), size, logger); err != nil {
		t.Fatalf("copyFile: %v", err)
	}

	got, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return got
}

func TestCopySmallFile(t *testing.T) {
	data := []byte("hello io_uring\n")
	got := copyViaTempFiles(t, data, 8, 4096)
	if string(got) != string(data) {
		t.Errorf("copy mismatch: got %q want %q", got, data)
	}
}

// TestCopyLargeFileOutOfOrder copies many more chunks than the queue depth,
// forcing completions to interleave across chunk boundaries;
// reassembly must still match the input byte-for-byte.
func TestCopyLargeFileOutOfOrder(t *testing.T) {
	const size = 5 * 1024 * 1024
	const chunk = 32 * 1024
	const depth = 64

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	got := copyViaTempFiles(t, data, depth, chunk)
	if len(got) != len(data) {
		t.Fatalf("copied %d bytes, want %d", len(got), len(data))
	}

	wantSum := sha256.Sum256(data)
	gotSum := sha256.Sum256(got)
	if wantSum != gotSum {
		t.Errorf("copy checksum mismatch")
	}
}

func TestCopyEmptyFile(t *testing.T) {
	got := copyViaTempFiles(t, nil, 8, 4096)
	if len(got) != 0 {
		t.Errorf("copy of empty file produced %d bytes", len(got))
	}
}
