// Package sparsemap implements the append-only log of device offsets
// known to contain all-zero plaintext. It is written during ENC, as the
// engine discovers zero chunks, and consumed during DEC via a
// monotonically advancing cursor. The file is always named with the ENC
// tag regardless of which mode is running — that asymmetry is the only
// channel by which a DEC pass learns which regions of the device were
// never written as ciphertext.
package sparsemap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cryptocipher "github.com/blockcrypt/blockcrypt/internal/cipher"
	"github.com/google/uuid"
)

const entrySize = 8

// Map is an open handle on the sparse map file, positioned for either
// appending (ENC) or cursor-based lookups (DEC).
type Map struct {
	mode    cryptocipher.Mode
	path    string
	f       *os.File // held open in ENC mode for appends; nil in DEC mode
	entries []uint64 // loaded once in DEC mode
	cursor  int
}

func path(workdir string) string {
	return filepath.Join(workdir, cryptocipher.ModeEnc.String()+"_sparse")
}

// Open opens the sparse map for the given mode, creating an empty file if
// absent. In ENC mode the file is held open for appends, seeked to end.
// In DEC mode the whole file is read into memory once; it is at most
// |D|/C*8 bytes, bounded by the device size.
func Open(workdir string, mode cryptocipher.Mode) (*Map, error) {
	p := path(workdir)
	if err := ensureExists(p); err != nil {
		return nil, err
	}

	m := &Map{mode: mode, path: p}
	if mode == cryptocipher.ModeEnc {
		f, err := os.OpenFile(p, os.O_RDWR, 0600)
		if err != nil {
			return nil, fmt.Errorf("sparsemap: open %s: %w", p, err)
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("sparsemap: seek to end of %s: %w", p, err)
		}
		m.f = f
		return m, nil
	}

	entries, err := readEntries(p)
	if err != nil {
		return nil, err
	}
	m.entries = entries
	return m, nil
}

func ensureExists(p string) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("sparsemap: stat %s: %w", p, err)
	}
	dir := filepath.Dir(p)
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("sparsemap: create temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sparsemap: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sparsemap: close temp file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sparsemap: rename into place: %w", err)
	}
	return nil
}

func readEntries(p string) ([]uint64, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("sparsemap: read %s: %w", p, err)
	}
	if len(b)%entrySize != 0 {
		return nil, fmt.Errorf("sparsemap: %s has size %d, not a multiple of %d", p, len(b), entrySize)
	}
	entries := make([]uint64, len(b)/entrySize)
	prev := uint64(0)
	for i := range entries {
		v := binary.BigEndian.Uint64(b[i*entrySize : (i+1)*entrySize])
		if i > 0 && v <= prev {
			return nil, fmt.Errorf("sparsemap: %s is not strictly increasing at entry %d", p, i)
		}
		entries[i] = v
		prev = v
	}
	return entries, nil
}

// MarkZero appends offset o to the map and fsyncs it. Valid in ENC mode
// only. The engine calls this in increasing offset order; an o that is not
// greater than the last entry already in the file (a chunk re-run after a
// crash between this append and the offset commit) is not appended again,
// so the file stays strictly increasing.
func (m *Map) MarkZero(o uint64) error {
	if m.mode != cryptocipher.ModeEnc {
		return fmt.Errorf("sparsemap: MarkZero called in %v mode", m.mode)
	}
	end, err := m.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sparsemap: seek: %w", err)
	}
	if end >= entrySize {
		var last [entrySize]byte
		if _, err := m.f.ReadAt(last[:], end-entrySize); err != nil {
			return fmt.Errorf("sparsemap: read last entry: %w", err)
		}
		if binary.BigEndian.Uint64(last[:]) >= o {
			return nil
		}
	}
	var b [entrySize]byte
	binary.BigEndian.PutUint64(b[:], o)
	if _, err := m.f.Write(b[:]); err != nil {
		return fmt.Errorf("sparsemap: append: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sparsemap: fsync: %w", err)
	}
	m.entries = append(m.entries, o)
	return nil
}

// IsZero advances the cursor past every entry less than o, then reports
// whether the entry now under the cursor equals o. The strictly
// increasing invariant makes this O(1) amortized per call as o increases
// monotonically across a run. Valid in DEC mode only.
func (m *Map) IsZero(o uint64) bool {
	for m.cursor < len(m.entries) && m.entries[m.cursor] < o {
		m.cursor++
	}
	return m.cursor < len(m.entries) && m.entries[m.cursor] == o
}

// Entries returns the currently known sparse offsets, for tests and
// invariant checks.
func (m *Map) Entries() []uint64 {
	return append([]uint64(nil), m.entries...)
}

// Close releases the underlying file handle, if any.
func (m *Map) Close() error {
	if m.f != nil {
		return m.f.Close()
	}
	return nil
}
