package main

import (
	"fmt"
	"os"

	"github.com/blockcrypt/blockcrypt/internal/bootstrap"
	cryptocipher "github.com/blockcrypt/blockcrypt/internal/cipher"
	"github.com/blockcrypt/blockcrypt/internal/config"
	"github.com/blockcrypt/blockcrypt/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	modeFlag      string
	workdirFlag   string
	dryRunFlag    bool
	chunkSizeFlag int
	directFlag    bool
	verboseFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "blockcrypt -m enc|dec -w workdir [flags] device",
	Short: "Resumable, crash-safe, in-place AES-256-CBC block device encryption",
	Long: `blockcrypt transforms a fixed-size file or block device in place using
AES-256 in CBC mode, one fixed-size chunk at a time. An interrupted run can
always be resumed against the same workdir without losing or corrupting
data or repeating completed work.`,
	Args: cobra.ExactArgs(1),
	RunE: runBlockcrypt,
}

func init() {
	rootCmd.Flags().StringVarP(&modeFlag, "mode", "m", "", `mode: "enc" or "dec" (required)`)
	rootCmd.Flags().StringVarP(&workdirFlag, "workdir", "w", "", "persistent working directory (required)")
	rootCmd.Flags().BoolVarP(&dryRunFlag, "dry-run", "n", false, "suppress device writes; workdir side effects still occur")
	rootCmd.Flags().IntVarP(&chunkSizeFlag, "chunk-size", "s", 0, "chunk size in bytes, a positive multiple of 16 (default 4096, or config/env)")
	rootCmd.Flags().BoolVar(&directFlag, "direct", true, "prefer O_DIRECT when opening the device")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	rootCmd.MarkFlagRequired("mode")
	rootCmd.MarkFlagRequired("workdir")
}

func runBlockcrypt(cmd *cobra.Command, args []string) error {
	mode, err := cryptocipher.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logLevel := cfg.LogLevel
	if verboseFlag {
		logLevel = "debug"
	}
	cfg.ApplyOverride(chunkSizeFlag, "")

	log, err := logging.New(logLevel)
	if err != nil {
		return err
	}

	res, err := bootstrap.Run(bootstrap.Options{
		Mode:       mode,
		Workdir:    workdirFlag,
		DevicePath: args[0],
		ChunkSize:  cfg.ChunkSize,
		DryRun:     dryRunFlag,
		Direct:     directFlag,
		Log:        log,
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"transformed": res.ChunksTransformed,
		"zero":        res.ChunksZero,
		"recovered":   res.ChunksRecovered,
		"offset":      res.FinalOffset,
	}).Info("run complete")
	return nil
}

// Execute is the CLI's single entry point. It is the only layer that
// calls os.Exit; every package below it returns an error instead.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "blockcrypt: %v\n", err)
		os.Exit(1)
	}
}
