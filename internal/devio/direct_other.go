//go:build !linux

package devio

import (
	"os"

	"github.com/sirupsen/logrus"
)

// O_DIRECT has no portable equivalent outside Linux in this codebase's
// target platforms; non-Linux builds always use buffered I/O. chunkSize
// is accepted only to keep this function's signature identical to the
// Linux build's, which uses it to guard O_DIRECT's transfer-length
// requirement.
func openWithDirectPreference(path string, direct bool, chunkSize int, log *logrus.Logger) (*os.File, bool, error) {
	if direct && log != nil {
		log.Warn("devio: direct I/O not supported on this platform, using buffered I/O")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	return f, false, err
}

func alignedBuffer(size int) []byte {
	return make([]byte, size)
}
