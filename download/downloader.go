// Package download implements the batch media fetch that runs after a count
// is supplied: one Messages call for the contiguous id range, then one
// isolated download per media-carrying message.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/savebot/core/logger"
	"github.com/m3rciful/savebot/mtproto"
)

var (
	// ErrResolve wraps channel entity resolution failures; the batch is
	// aborted before any fetch happens.
	ErrResolve = errors.New("download: channel resolution failed")
	// ErrFetch wraps batch retrieval failures.
	ErrFetch = errors.New("download: message fetch failed")
)

const fallbackExt = ".bin"

// Config tunes the downloader.
type Config struct {
	// Dir is the local directory media files are written to.
	Dir string `yaml:"dir" envconfig:"DOWNLOADS_DIR"`
	// MaxCount caps the per-batch message count; 0 means unlimited.
	MaxCount int `yaml:"max_count" envconfig:"DOWNLOADS_MAX_COUNT"`
	// ItemTimeoutSeconds bounds a single media download.
	ItemTimeoutSeconds int `yaml:"item_timeout_seconds" envconfig:"DOWNLOADS_ITEM_TIMEOUT_SECONDS"`
	// CallTimeoutSeconds bounds the channel resolve and the batch fetch,
	// the two client calls that precede any file transfer.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" envconfig:"DOWNLOADS_CALL_TIMEOUT_SECONDS"`
}

// Normalize applies defaults.
func (c *Config) Normalize() {
	if c.Dir == "" {
		c.Dir = "downloads"
	}
	if c.ItemTimeoutSeconds <= 0 {
		c.ItemTimeoutSeconds = 300
	}
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 30
	}
}

// Report describes one downloaded item, formatted for the user.
type Report struct {
	Path   string
	SizeKB int64
	// SpeedKBps is negative when the transfer finished too fast to measure.
	SpeedKBps int64
}

// Text renders the per-item reply line.
func (r Report) Text() string {
	if r.SpeedKBps < 0 {
		return fmt.Sprintf("Downloaded: %s\nSize: %d KB\nSpeed: instantaneous", r.Path, r.SizeKB)
	}
	return fmt.Sprintf("Downloaded: %s\nSize: %d KB\nSpeed: %d KB/s", r.Path, r.SizeKB, r.SpeedKBps)
}

// Summary aggregates a finished batch.
type Summary struct {
	Requested  int
	Fetched    int
	Downloaded int
	Skipped    int
	Failed     int
}

// Downloader runs batch downloads against an authenticated client.
type Downloader struct {
	cfg Config
}

// New builds a Downloader; cfg is normalized in place.
func New(cfg Config) *Downloader {
	cfg.Normalize()
	return &Downloader{cfg: cfg}
}

// MaxCount exposes the configured batch cap (0 = unlimited).
func (d *Downloader) MaxCount() int { return d.cfg.MaxCount }

// Run fetches the id range [link.MessageID, link.MessageID+count) in one
// batch and downloads attached media item by item, in ascending id order.
// Each downloaded item is reported through report as soon as it lands; a
// failing item is reported and skipped without aborting the rest. A non-nil
// error is returned only when the batch could not start at all.
func (d *Downloader) Run(ctx context.Context, cl mtproto.Client, link Link, count int, report func(text string)) (Summary, error) {
	sum := Summary{Requested: count}

	callTimeout := time.Duration(d.cfg.CallTimeoutSeconds) * time.Second

	resolveCtx, cancelResolve := context.WithTimeout(ctx, callTimeout)
	ch, err := cl.ResolveChannel(resolveCtx, link.Channel)
	cancelResolve()
	if err != nil {
		logger.SVCDownloads.Error("channel resolve failed",
			slog.String("event", "download.resolve"),
			slog.String("channel", link.Channel),
			slog.String("err", err.Error()),
		)
		return sum, fmt.Errorf("%w: %s: %v", ErrResolve, link.Channel, err)
	}

	ids := make([]int, 0, count)
	for id := link.MessageID; id < link.MessageID+count; id++ {
		ids = append(ids, id)
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, callTimeout)
	msgs, err := cl.Messages(fetchCtx, ch, ids)
	cancelFetch()
	if err != nil {
		logger.SVCDownloads.Error("batch fetch failed",
			slog.String("event", "download.fetch"),
			slog.String("channel", link.Channel),
			slog.Int("msg_id", link.MessageID),
			slog.Int("count", count),
			slog.String("err", err.Error()),
		)
		return sum, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	sum.Fetched = len(msgs)

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return sum, fmt.Errorf("download: create dir %s: %w", d.cfg.Dir, err)
	}

	for _, msg := range msgs {
		if !msg.HasMedia {
			sum.Skipped++
			continue
		}
		rep, err := d.downloadOne(ctx, cl, msg)
		if err != nil {
			sum.Failed++
			logger.SVCDownloads.Warn("item download failed",
				slog.String("event", "download.item"),
				slog.String("channel", link.Channel),
				slog.Int("msg_id", msg.ID),
				slog.String("err", err.Error()),
			)
			if report != nil {
				report(fmt.Sprintf("Failed to download message %d, skipping.", msg.ID))
			}
			continue
		}
		sum.Downloaded++
		if report != nil {
			report(rep.Text())
		}
	}

	logger.SVCDownloads.Info("batch finished",
		slog.String("event", "download.batch"),
		slog.String("status", "ok"),
		slog.String("channel", link.Channel),
		slog.Int("msg_id", link.MessageID),
		slog.Int("requested", sum.Requested),
		slog.Int("downloaded", sum.Downloaded),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed),
	)
	return sum, nil
}

// downloadOne streams a single message's media to a temp file and renames it
// into place once complete, so a failed transfer never leaves a partial file
// under the final name.
func (d *Downloader) downloadOne(parent context.Context, cl mtproto.Client, msg mtproto.Message) (Report, error) {
	ctx, cancel := context.WithTimeout(parent, time.Duration(d.cfg.ItemTimeoutSeconds)*time.Second)
	defer cancel()

	ext := msg.Ext
	if ext == "" {
		ext = fallbackExt
	}
	final := filepath.Join(d.cfg.Dir, fmt.Sprintf("%d%s", msg.ID, ext))
	tmp := filepath.Join(d.cfg.Dir, fmt.Sprintf(".%s.part", uuid.NewString()))

	f, err := os.Create(tmp)
	if err != nil {
		return Report{}, fmt.Errorf("create temp file: %w", err)
	}

	start := time.Now()
	written, err := cl.Download(ctx, msg, f)
	elapsed := time.Since(start)

	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return Report{}, fmt.Errorf("download media: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Report{}, fmt.Errorf("finalize file: %w", err)
	}

	rep := buildReport(final, written, elapsed)
	logger.SVCDownloads.Debug("item downloaded",
		slog.String("event", "download.item"),
		slog.Int("msg_id", msg.ID),
		slog.String("file", rep.Path),
		slog.Int64("size_kb", rep.SizeKB),
		slog.Int64("speed_kbps", rep.SpeedKBps),
		slog.Duration("duration", logger.RoundMS(elapsed)),
	)
	return rep, nil
}

// buildReport derives the user-facing numbers: size in KiB and throughput in
// KiB/s. A sub-resolution elapsed time yields a negative speed so Text can
// report "instantaneous" instead of dividing by zero.
func buildReport(path string, bytes int64, elapsed time.Duration) Report {
	sizeKB := bytes / 1024
	secs := elapsed.Seconds()
	if secs <= 0 {
		return Report{Path: path, SizeKB: sizeKB, SpeedKBps: -1}
	}
	return Report{Path: path, SizeKB: sizeKB, SpeedKBps: int64(float64(sizeKB) / secs)}
}
