package engine

import (
	"os"
	"path/filepath"
	"testing"

	cryptocipher "github.com/blockcrypt/blockcrypt/internal/cipher"
	"github.com/blockcrypt/blockcrypt/internal/devio"
	"github.com/blockcrypt/blockcrypt/internal/sparsemap"
	"github.com/blockcrypt/blockcrypt/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "01234567890123456789012345678901"
const testIV = "0123456789012345"

func key32() []byte { return []byte(testKey)[:32] }
func iv16() []byte  { return []byte(testIV)[:16] }

func writeDevice(t *testing.T, content []byte) string {
	path := filepath.Join(t.TempDir(), "device")
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

// run opens the device and sparse map fresh for a single pass, so each
// call models a separate process invocation against durable state.
func run(t *testing.T, devicePath, workdir string, mode cryptocipher.Mode, chunkSize int, dryRun bool) Result {
	dev, err := devio.Open(devicePath, false, chunkSize, logrus.New())
	require.NoError(t, err)
	defer dev.Close()

	sm, err := sparsemap.Open(workdir, mode)
	require.NoError(t, err)
	defer sm.Close()

	adapter, err := cryptocipher.New(mode, key32(), iv16())
	require.NoError(t, err)

	e := New(Config{
		Workdir:   workdir,
		Mode:      mode,
		ChunkSize: chunkSize,
		DryRun:    dryRun,
		Device:    dev,
		Adapter:   adapter,
		Sparse:    sm,
		Log:       logrus.New(),
	})
	res, err := e.Run()
	require.NoError(t, err)
	return res
}

func readDevice(t *testing.T, path string) []byte {
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func TestZeroChunkEncThenDec(t *testing.T) {
	workdir := t.TempDir()
	devicePath := writeDevice(t, make([]byte, 16))

	encRes := run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)
	assert.Equal(t, 1, encRes.ChunksZero)
	assert.Equal(t, 0, encRes.ChunksTransformed)
	assert.EqualValues(t, 16, encRes.FinalOffset)
	assert.Equal(t, make([]byte, 16), readDevice(t, devicePath))

	sparsePath := filepath.Join(workdir, "enc_sparse")
	b, err := os.ReadFile(sparsePath)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, b)

	off, err := store.LoadOffset(workdir, cryptocipher.ModeEnc)
	require.NoError(t, err)
	assert.EqualValues(t, 16, off)

	decRes := run(t, devicePath, workdir, cryptocipher.ModeDec, 16, false)
	assert.Equal(t, 1, decRes.ChunksZero)
	assert.Equal(t, make([]byte, 16), readDevice(t, devicePath))

	decOff, err := store.LoadOffset(workdir, cryptocipher.ModeDec)
	require.NoError(t, err)
	assert.EqualValues(t, 16, decOff)
	// the sparse map belongs to ENC and must not be disturbed by DEC.
	b2, err := os.ReadFile(sparsePath)
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestEncDecRoundTripMixedContent(t *testing.T) {
	workdir := t.TempDir()
	zero := make([]byte, 16)
	nonzero := []byte("THIS IS A SECRET")[:16]
	original := append(append(append([]byte{}, zero...), nonzero...), zero...)
	devicePath := writeDevice(t, original)

	run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)

	encrypted := readDevice(t, devicePath)
	assert.Equal(t, zero, encrypted[0:16])
	assert.Equal(t, zero, encrypted[32:48])
	assert.NotEqual(t, nonzero, encrypted[16:32])

	sparsePath := filepath.Join(workdir, "enc_sparse")
	b, err := os.ReadFile(sparsePath)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 32,
	}, b)

	run(t, devicePath, workdir, cryptocipher.ModeDec, 16, false)
	assert.Equal(t, original, readDevice(t, devicePath))
}

func TestCrashAfterStageRecovers(t *testing.T) {
	workdir := t.TempDir()
	plaintext := []byte("THIS IS A SECRET")[:16]
	devicePath := writeDevice(t, plaintext)

	adapter, err := cryptocipher.New(cryptocipher.ModeEnc, key32(), iv16())
	require.NoError(t, err)
	ciphertext := make([]byte, 16)
	_, err = adapter.Update(ciphertext, plaintext)
	require.NoError(t, err)

	// Simulate a crash that occurred right after the stage file was
	// fsync'd, before the device write: the stage exists, the offset file
	// has not advanced, and the device still holds the original plaintext.
	require.NoError(t, store.WriteStage(workdir, cryptocipher.ModeEnc, 0, ciphertext))

	res := run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)
	assert.Equal(t, 1, res.ChunksRecovered)
	assert.Equal(t, ciphertext, readDevice(t, devicePath))
	assert.False(t, store.StageExists(workdir, cryptocipher.ModeEnc, 0))

	off, err := store.LoadOffset(workdir, cryptocipher.ModeEnc)
	require.NoError(t, err)
	assert.EqualValues(t, 16, off)
}

func TestCrashBetweenDeviceWriteAndAdvanceRecovers(t *testing.T) {
	workdir := t.TempDir()
	plaintext := []byte("THIS IS A SECRET")[:16]
	devicePath := writeDevice(t, plaintext)

	adapter, err := cryptocipher.New(cryptocipher.ModeEnc, key32(), iv16())
	require.NoError(t, err)
	ciphertext := make([]byte, 16)
	_, err = adapter.Update(ciphertext, plaintext)
	require.NoError(t, err)

	// The device write already landed before the crash; recovery rewrites
	// the same bytes, which must be idempotent.
	require.NoError(t, os.WriteFile(devicePath, ciphertext, 0600))
	require.NoError(t, store.WriteStage(workdir, cryptocipher.ModeEnc, 0, ciphertext))

	res := run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)
	assert.Equal(t, 1, res.ChunksRecovered)
	assert.Equal(t, ciphertext, readDevice(t, devicePath))

	off, err := store.LoadOffset(workdir, cryptocipher.ModeEnc)
	require.NoError(t, err)
	assert.EqualValues(t, 16, off)
}

func TestDryRunEncLeavesDeviceUntouched(t *testing.T) {
	workdir := t.TempDir()
	original := append([]byte("THIS IS A SECRET")[:16], make([]byte, 16)...)
	devicePath := writeDevice(t, original)

	res := run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, true)
	assert.Equal(t, 1, res.ChunksTransformed)
	assert.Equal(t, 1, res.ChunksZero)
	assert.Equal(t, original, readDevice(t, devicePath))

	off, err := store.LoadOffset(workdir, cryptocipher.ModeEnc)
	require.NoError(t, err)
	assert.EqualValues(t, 32, off)
	assert.False(t, store.StageExists(workdir, cryptocipher.ModeEnc, 0))
}

func TestEmptyDeviceSucceedsWithNoChunks(t *testing.T) {
	workdir := t.TempDir()
	devicePath := writeDevice(t, nil)

	res := run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)
	assert.EqualValues(t, 0, res.FinalOffset)
	assert.Equal(t, 0, res.ChunksTransformed)
	assert.Equal(t, 0, res.ChunksZero)
}

func TestSingleChunkDeviceEqualToChunkSize(t *testing.T) {
	workdir := t.TempDir()
	plaintext := []byte("THIS IS A SECRET")[:16]
	devicePath := writeDevice(t, plaintext)

	res := run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)
	assert.Equal(t, 1, res.ChunksTransformed)
	assert.NotEqual(t, plaintext, readDevice(t, devicePath))

	run(t, devicePath, workdir, cryptocipher.ModeDec, 16, false)
	assert.Equal(t, plaintext, readDevice(t, devicePath))
}

func TestResumeAtEndIsNoOp(t *testing.T) {
	workdir := t.TempDir()
	plaintext := []byte("THIS IS A SECRET")[:16]
	devicePath := writeDevice(t, plaintext)

	run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)
	encrypted := readDevice(t, devicePath)

	res := run(t, devicePath, workdir, cryptocipher.ModeEnc, 16, false)
	assert.Equal(t, 0, res.ChunksTransformed)
	assert.Equal(t, 0, res.ChunksZero)
	assert.Equal(t, 0, res.ChunksRecovered)
	assert.Equal(t, encrypted, readDevice(t, devicePath))
}

func TestChunkSizeEqualToBlockSizeIsPermitted(t *testing.T) {
	workdir := t.TempDir()
	devicePath := writeDevice(t, make([]byte, 16))

	res := run(t, devicePath, workdir, cryptocipher.ModeEnc, cryptocipher.BlockSize, false)
	assert.Equal(t, 1, res.ChunksZero)
}

func TestStageWithWrongSizeIsIntegrityError(t *testing.T) {
	workdir := t.TempDir()
	devicePath := writeDevice(t, []byte("THIS IS A SECRET")[:16])

	require.NoError(t, store.WriteStage(workdir, cryptocipher.ModeEnc, 0, []byte("short")))

	dev, err := devio.Open(devicePath, false, 16, logrus.New())
	require.NoError(t, err)
	defer dev.Close()
	sm, err := sparsemap.Open(workdir, cryptocipher.ModeEnc)
	require.NoError(t, err)
	defer sm.Close()
	adapter, err := cryptocipher.New(cryptocipher.ModeEnc, key32(), iv16())
	require.NoError(t, err)

	e := New(Config{
		Workdir:   workdir,
		Mode:      cryptocipher.ModeEnc,
		ChunkSize: 16,
		Device:    dev,
		Adapter:   adapter,
		Sparse:    sm,
		Log:       logrus.New(),
	})
	_, err = e.Run()
	assert.Error(t, err)
}
