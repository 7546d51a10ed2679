// Package bootstrap validates a run's inputs and wires together the
// device, the workdir artifacts, the cipher context, and the engine. It
// is the one place that knows how all the other internal packages fit
// together; nothing downstream of it imports it back.
package bootstrap

import (
	"fmt"
	"os"
	"time"

	cryptocipher "github.com/blockcrypt/blockcrypt/internal/cipher"
	"github.com/blockcrypt/blockcrypt/internal/devio"
	"github.com/blockcrypt/blockcrypt/internal/engine"
	"github.com/blockcrypt/blockcrypt/internal/lockfile"
	"github.com/blockcrypt/blockcrypt/internal/progress"
	"github.com/blockcrypt/blockcrypt/internal/sparsemap"
	"github.com/blockcrypt/blockcrypt/internal/store"
	"github.com/sirupsen/logrus"
)

// Options is the fully-resolved set of inputs for one run, after CLI
// parsing and config layering have produced concrete values.
type Options struct {
	Mode       cryptocipher.Mode
	Workdir    string
	DevicePath string
	ChunkSize  int
	DryRun     bool
	Direct     bool
	Log        *logrus.Logger
}

// realtimeClock satisfies progress.Clock with the process's wall clock.
type realtimeClock struct{}

func (c *realtimeClock) Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Run validates opt, acquires the workdir lock, materializes or loads the
// durable artifacts, and drives the engine to completion. It returns the
// engine's result for the caller to log.
func Run(opt Options) (engine.Result, error) {
	var res engine.Result

	if err := validate(opt); err != nil {
		return res, err
	}

	lock, err := lockfile.Acquire(opt.Workdir)
	if err != nil {
		return res, fmt.Errorf("bootstrap: %w", err)
	}
	defer lock.Release()

	var iv, key []byte
	if opt.Mode == cryptocipher.ModeEnc {
		iv, err = store.LoadIV(opt.Workdir)
		if err != nil {
			return res, fmt.Errorf("bootstrap: %w", err)
		}
		key, err = store.LoadKey(opt.Workdir)
		if err != nil {
			return res, fmt.Errorf("bootstrap: %w", err)
		}
	} else {
		iv, key, err = store.RequireIVAndKey(opt.Workdir)
		if err != nil {
			return res, fmt.Errorf("bootstrap: %w", err)
		}
	}

	dev, err := devio.Open(opt.DevicePath, opt.Direct, opt.ChunkSize, opt.Log)
	if err != nil {
		return res, fmt.Errorf("bootstrap: %w", err)
	}
	defer dev.Close()

	if dev.Size()%int64(opt.ChunkSize) != 0 {
		return res, fmt.Errorf("bootstrap: device size %d is not a multiple of chunk size %d", dev.Size(), opt.ChunkSize)
	}

	adapter, err := cryptocipher.New(opt.Mode, key, iv)
	if err != nil {
		return res, fmt.Errorf("bootstrap: %w", err)
	}

	sm, err := sparsemap.Open(opt.Workdir, opt.Mode)
	if err != nil {
		return res, fmt.Errorf("bootstrap: %w", err)
	}
	defer sm.Close()

	reporter := progress.New(opt.Log, &realtimeClock{})

	e := engine.New(engine.Config{
		Workdir:   opt.Workdir,
		Mode:      opt.Mode,
		ChunkSize: opt.ChunkSize,
		DryRun:    opt.DryRun,
		Device:    dev,
		Adapter:   adapter,
		Sparse:    sm,
		Log:       opt.Log,
		Progress:  reporter,
	})
	return e.Run()
}

func validate(opt Options) error {
	if opt.Workdir == "" {
		return fmt.Errorf("bootstrap: workdir is required")
	}
	info, err := os.Stat(opt.Workdir)
	if err != nil {
		return fmt.Errorf("bootstrap: workdir %s: %w", opt.Workdir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("bootstrap: workdir %s is not a directory", opt.Workdir)
	}
	if opt.DevicePath == "" {
		return fmt.Errorf("bootstrap: device path is required")
	}
	if opt.ChunkSize <= 0 || opt.ChunkSize%cryptocipher.BlockSize != 0 {
		return fmt.Errorf("bootstrap: chunk size %d must be a positive multiple of %d", opt.ChunkSize, cryptocipher.BlockSize)
	}
	return nil
}
