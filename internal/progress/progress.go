// Package progress implements the periodic ETA reporter the engine calls
// as it advances through a device. It is purely observational: nothing it
// does can alter a persisted artifact, and a misreport is never an error.
package progress

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	reportBytesThreshold = 1 << 30 // 1 GiB
	reportSecsThreshold  = 60
)

// Clock abstracts wall-clock time so tests can drive the reporter without
// sleeping. Now returns seconds elapsed since an arbitrary epoch; only the
// differences between calls matter.
type Clock interface {
	Now() float64
}

// Reporter tracks bytes processed against wall-clock time and logs an ETA
// once the byte threshold has elapsed since the last byte-threshold reset
// AND the time threshold has elapsed since the last log. The two trackers
// reset independently: crossing the byte threshold alone resets it even
// if the time gate holds the log back, so a burst of throughput doesn't
// leave sinceBytes inflated once the time gate finally opens.
type Reporter struct {
	log   *logrus.Logger
	clock Clock

	lastReportBytes int64
	lastReportTime  float64
	startTime       float64
	started         bool
}

// New constructs a Reporter. If log is nil, reports are silently dropped.
func New(log *logrus.Logger, clock Clock) *Reporter {
	return &Reporter{log: log, clock: clock}
}

// Report is called by the engine after every committed chunk with the
// cumulative processed and total byte counts for the run. It logs an ETA
// at most once per threshold window; most calls are no-ops.
func (r *Reporter) Report(processedBytes, totalBytes int64) {
	if r.log == nil || r.clock == nil {
		return
	}
	now := r.clock.Now()
	if !r.started {
		r.started = true
		r.startTime = now
		r.lastReportTime = now
		r.lastReportBytes = 0
		return
	}

	sinceBytes := processedBytes - r.lastReportBytes
	if sinceBytes < reportBytesThreshold {
		return
	}
	// The byte tracker resets as soon as the byte threshold crosses,
	// independent of whether the time gate below also fires — matching
	// the ground-truth implementation's prevProcessed/prevTime split,
	// where prevProcessed is reassigned inside the outer (byte) check
	// alone and prevTime only inside the nested (time) check.
	r.lastReportBytes = processedBytes

	sinceSecs := now - r.lastReportTime
	if sinceSecs < reportSecsThreshold {
		return
	}
	r.lastReportTime = now

	elapsed := now - r.startTime
	if elapsed <= 0 || processedBytes <= 0 {
		return
	}
	rate := float64(processedBytes) / elapsed
	remaining := totalBytes - processedBytes
	if remaining < 0 {
		remaining = 0
	}
	etaSecs := float64(remaining) / rate

	r.log.WithFields(logrus.Fields{
		"processed_bytes": processedBytes,
		"total_bytes":     totalBytes,
		"eta":             formatETA(etaSecs),
	}).Info("progress")
}

// formatETA renders seconds in the largest unit among {seconds, minutes,
// hours, days} whose value stays within bounds 100/90/30 respectively,
// falling through to days once even that bound is exceeded.
func formatETA(secs float64) string {
	switch {
	case secs <= 100:
		return fmt.Sprintf("%.0fs", secs)
	case secs/60 <= 90:
		return fmt.Sprintf("%.1fm", secs/60)
	case secs/3600 <= 30:
		return fmt.Sprintf("%.1fh", secs/3600)
	default:
		return fmt.Sprintf("%.1fd", secs/86400)
	}
}
