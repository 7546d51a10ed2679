// Package store provides durable, fsync'd creation and update of the
// workdir's named artifacts: the IV, the key, the per-mode offset, the
// per-mode staged chunk, and the end-of-device final diagnostic. Every
// write here is followed by a synchronous flush before it is reported
// successful, and whole-file artifact creation goes through a
// write-tmp-then-rename sequence so a crash mid-create leaves either the
// old state or the new state, never a partial file.
package store

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cryptocipher "github.com/blockcrypt/blockcrypt/internal/cipher"
	"github.com/google/uuid"
)

const (
	ivName  = ".iv"
	keyName = ".key"
)

// OffsetName returns the name of the per-mode offset artifact.
func OffsetName(mode cryptocipher.Mode) string {
	return mode.String() + "_offset"
}

// StageName returns the name of the staged chunk artifact for offset o.
func StageName(mode cryptocipher.Mode, o uint64) string {
	return fmt.Sprintf("%s_chunk-%d", mode, o)
}

// FinalName returns the name of the end-of-device diagnostic artifact.
func FinalName(mode cryptocipher.Mode, o uint64) string {
	return fmt.Sprintf("%s_chunk-%d.final", mode, o)
}

// SparseName returns the name of the sparse map artifact; it is always
// tagged with ENC regardless of which mode is currently running.
func SparseName() string {
	return cryptocipher.ModeEnc.String() + "_sparse"
}

func join(workdir, name string) string {
	return filepath.Join(workdir, name)
}

// atomicCreate writes data to a sibling temp file, fsyncs it, renames it
// into place, then fsyncs the parent directory so the rename itself
// survives a crash. It assumes the destination does not exist; the caller
// is responsible for checking that first, since "create if absent" is a
// load-bearing decision the caller makes under its own artifact-specific
// existence check.
func atomicCreate(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := join(dir, "."+uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("store: fsync directory: %w", err)
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadOrCreateRandom loads the named artifact, creating it with
// cryptographically random content of the given size if absent. It
// returns an error if an existing artifact has the wrong size.
func LoadOrCreateRandom(workdir, name string, size int) ([]byte, error) {
	path := join(workdir, name)
	if !exists(path) {
		b := make([]byte, size)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("store: generate random %s: %w", name, err)
		}
		if err := atomicCreate(path, b); err != nil {
			return nil, err
		}
	}
	return readExact(path, size)
}

// LoadIV loads the immutable .iv artifact, creating it on first ENC run.
func LoadIV(workdir string) ([]byte, error) {
	return LoadOrCreateRandom(workdir, ivName, cryptocipher.IVSize)
}

// LoadKey loads the immutable .key artifact, creating it on first ENC run.
func LoadKey(workdir string) ([]byte, error) {
	return LoadOrCreateRandom(workdir, keyName, cryptocipher.KeySize)
}

// RequireIVAndKey loads .iv and .key without creating them; used in DEC
// mode, where their absence is a bootstrap error.
func RequireIVAndKey(workdir string) (iv, key []byte, err error) {
	ivPath := join(workdir, ivName)
	keyPath := join(workdir, keyName)
	if !exists(ivPath) || !exists(keyPath) {
		return nil, nil, fmt.Errorf("store: key and/or iv absent in %s", workdir)
	}
	iv, err = readExact(ivPath, cryptocipher.IVSize)
	if err != nil {
		return nil, nil, err
	}
	key, err = readExact(keyPath, cryptocipher.KeySize)
	if err != nil {
		return nil, nil, err
	}
	return iv, key, nil
}

func readExact(path string, size int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	b := make([]byte, size)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	// Confirm there is nothing beyond the expected size.
	var extra [1]byte
	if n, err := f.Read(extra[:]); n != 0 || err != io.EOF {
		return nil, fmt.Errorf("store: %s has unexpected size (expected %d)", path, size)
	}
	return b, nil
}

// LoadOffset loads the per-mode offset artifact, creating it at 0 if
// absent.
func LoadOffset(workdir string, mode cryptocipher.Mode) (uint64, error) {
	path := join(workdir, OffsetName(mode))
	if !exists(path) {
		if err := atomicCreate(path, encodeU64(0)); err != nil {
			return 0, err
		}
	}
	b, err := readExact(path, 8)
	if err != nil {
		return 0, fmt.Errorf("store: can't load offset file: %w", err)
	}
	return decodeU64(b), nil
}

// CommitOffset overwrites the per-mode offset artifact's 8 bytes in place
// and fsyncs it. This is the commitment point for a chunk.
func CommitOffset(workdir string, mode cryptocipher.Mode, offset uint64) error {
	path := join(workdir, OffsetName(mode))
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("store: open offset file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(encodeU64(offset), 0); err != nil {
		return fmt.Errorf("store: write offset file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("store: fsync offset file: %w", err)
	}
	return nil
}

// StagePath returns the full path to the stage artifact for offset o.
func StagePath(workdir string, mode cryptocipher.Mode, o uint64) string {
	return join(workdir, StageName(mode, o))
}

// StageExists reports whether a staged chunk exists for offset o.
func StageExists(workdir string, mode cryptocipher.Mode, o uint64) bool {
	return exists(StagePath(workdir, mode, o))
}

// WriteStage durably persists data as the stage artifact for offset o.
// This is the durability point in the Step T transform path.
func WriteStage(workdir string, mode cryptocipher.Mode, o uint64, data []byte) error {
	return atomicCreate(StagePath(workdir, mode, o), data)
}

// ReadStage loads the stage artifact for offset o, failing with an
// integrity error if its size does not equal chunkSize.
func ReadStage(workdir string, mode cryptocipher.Mode, o uint64, chunkSize int) ([]byte, error) {
	path := StagePath(workdir, mode, o)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("store: stat stage %s: %w", path, err)
	}
	if info.Size() != int64(chunkSize) {
		return nil, fmt.Errorf("store: integrity error: stage %s has size %d, expected %d", path, info.Size(), chunkSize)
	}
	return readExact(path, chunkSize)
}

// DeleteStage unlinks the stage artifact for offset o. Failure is
// returned to the caller to log as non-fatal; a stale stage is harmless,
// since the committed offset has already moved past it and no later run
// reads it.
func DeleteStage(workdir string, mode cryptocipher.Mode, o uint64) error {
	return os.Remove(StagePath(workdir, mode, o))
}

// WriteFinalIfNonEmpty persists the cipher's end-of-stream residue as a
// diagnostic artifact, if any was produced.
func WriteFinalIfNonEmpty(workdir string, mode cryptocipher.Mode, o uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return atomicCreate(join(workdir, FinalName(mode, o)), data)
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
