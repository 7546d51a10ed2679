//go:build linux

package devio

import (
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// directIOAlignment is the alignment most Linux block devices require for
// the *start address* of an O_DIRECT buffer.
//
// That is not the only constraint O_DIRECT imposes: the kernel also
// requires the transfer *length* of each read/write to be a multiple of
// the device's logical sector size (commonly 512 bytes, sometimes 4096),
// or the syscall fails with EINVAL regardless of how well-aligned the
// buffer's address is. This package has no portable way to query a
// given device's actual logical sector size without an ioctl this
// corpus has no precedent for, so it uses directSectorSize as a
// conservative granularity and refuses O_DIRECT for any chunk size that
// is not a multiple of it. A chunk size that is a multiple of 512 but not
// of the real device's logical sector size can still fail at read/write
// time with EINVAL; the spec
// permits C as small as the cipher block size (16), which is exactly
// the case this floor exists to catch before ever calling open(2).
const (
	directIOAlignment = 4096
	directSectorSize  = 512
)

func openWithDirectPreference(path string, direct bool, chunkSize int, log *logrus.Logger) (*os.File, bool, error) {
	if direct && chunkSize%directSectorSize != 0 {
		if log != nil {
			log.WithField("chunk_size", chunkSize).Warn("devio: chunk size is not a multiple of the minimum O_DIRECT transfer granularity, using buffered I/O")
		}
		direct = false
	}
	if !direct {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		return f, false, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("devio: direct I/O open failed, falling back to buffered I/O")
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0)
		return f, false, err
	}
	return f, true, nil
}

// alignedBuffer only guarantees address alignment; the length constraint
// above is handled by refusing O_DIRECT in openWithDirectPreference
// rather than by padding size here, since padding a transfer length
// would change what gets read from or written to the device.
func alignedBuffer(size int) []byte {
	buf := make([]byte, size+directIOAlignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if rem := addr % directIOAlignment; rem != 0 {
		offset = directIOAlignment - int(rem)
	}
	return buf[offset : offset+size]
}
