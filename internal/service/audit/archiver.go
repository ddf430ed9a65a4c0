package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/infrastructure/archive"
	"github.com/bluelight-hub/aegis/internal/metrics"
)

// DefaultArchiveChunkSize bounds one streamed chunk from the store.
const DefaultArchiveChunkSize = 10000

// ArchiveReport describes one written archive.
type ArchiveReport struct {
	FileName        string    `json:"file_name"`
	Checksum        string    `json:"checksum"`
	Entries         int64     `json:"entries"`
	CompressedBytes int64     `json:"compressed_bytes"`
	ChainIntact     bool      `json:"chain_intact"`
	Cutoff          time.Time `json:"cutoff"`
	FirstLogDate    string    `json:"first_log_date,omitempty"`
	LastLogDate     string    `json:"last_log_date,omitempty"`
}

// Archiver snapshots entries older than a cutoff into compressed, checksummed
// archive files. The chain segment is verified while streaming and the
// written object is read back and decoded before the archive counts as good.
type Archiver struct {
	store     audit.LogStore
	storage   archive.Storage
	metrics   *metrics.Registry
	logger    *zap.Logger
	chunkSize int
}

// NewArchiver wires the archiver. chunkSize <= 0 uses the default.
func NewArchiver(store audit.LogStore, storage archive.Storage, reg *metrics.Registry, logger *zap.Logger, chunkSize int) *Archiver {
	if chunkSize <= 0 {
		chunkSize = DefaultArchiveChunkSize
	}
	return &Archiver{
		store:     store,
		storage:   storage,
		metrics:   reg,
		logger:    logger,
		chunkSize: chunkSize,
	}
}

// Archive writes every entry created before cutoff into one archive file
// plus its checksum sidecar. A nil report with nil error means there was
// nothing to archive.
func (a *Archiver) Archive(ctx context.Context, cutoff time.Time) (*ArchiveReport, error) {
	total, err := a.store.CountBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		a.logger.Info("nothing to archive", zap.Time("cutoff", cutoff))
		return nil, nil
	}

	createdAt := time.Now().UTC()
	records := make([]audit.ArchiveRecord, 0, total)
	intact := true
	var prev *audit.LogEntry
	var first, last *audit.LogEntry

	err = a.store.StreamBefore(ctx, cutoff, a.chunkSize, func(entries []*audit.LogEntry) error {
		for _, entry := range entries {
			if first == nil {
				first = entry
			}
			last = entry

			if intact {
				link, verifyErr := audit.VerifyLink(prev, entry)
				if verifyErr != nil {
					return verifyErr
				}
				if !link.Valid {
					intact = false
					a.logger.Error("chain break inside archive segment",
						zap.Uint64("broken_at_seq", link.BrokenAtSeq),
						zap.String("break_type", link.BreakType.String()))
				}
			}
			prev = entry
			records = append(records, entry.ToArchiveRecord())
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewArchiveFailedError("failed to stream entries for archival").WithCause(err)
	}

	payload := &archive.Payload{
		Metadata: archive.Metadata{
			CreatedAt:       audit.FormatTimestamp(createdAt),
			CutoffDate:      audit.FormatTimestamp(cutoff),
			TotalLogs:       int64(len(records)),
			HashChainIntact: intact,
			ArchiveVersion:  archive.Version,
		},
		Logs: records,
	}
	if first != nil {
		payload.Metadata.FirstLogDate = audit.FormatTimestamp(first.CreatedAt)
	}
	if last != nil {
		payload.Metadata.LastLogDate = audit.FormatTimestamp(last.CreatedAt)
	}

	compressed, checksum, err := archive.Encode(payload)
	if err != nil {
		return nil, err
	}

	name := archive.FileName(createdAt)
	if err := a.storage.Put(ctx, name, compressed); err != nil {
		return nil, errors.NewArchiveFailedError("failed to store archive").WithCause(err)
	}
	if err := a.storage.Put(ctx, name+archive.ChecksumSuffix, []byte(checksum)); err != nil {
		return nil, errors.NewArchiveFailedError("failed to store archive checksum").WithCause(err)
	}

	if err := a.verifyWritten(ctx, name, checksum, int64(len(records))); err != nil {
		return nil, err
	}

	a.metrics.RecordArchive(ctx, int64(len(records)), int64(len(compressed)))
	a.logger.Info("archive written",
		zap.String("file", name),
		zap.Int("entries", len(records)),
		zap.Int("compressed_bytes", len(compressed)),
		zap.Bool("chain_intact", intact))

	return &ArchiveReport{
		FileName:        name,
		Checksum:        checksum,
		Entries:         int64(len(records)),
		CompressedBytes: int64(len(compressed)),
		ChainIntact:     intact,
		Cutoff:          cutoff,
		FirstLogDate:    payload.Metadata.FirstLogDate,
		LastLogDate:     payload.Metadata.LastLogDate,
	}, nil
}

// verifyWritten reads the stored object back and confirms it decodes to the
// expected checksum and record count.
func (a *Archiver) verifyWritten(ctx context.Context, name, checksum string, count int64) error {
	stored, err := a.storage.Get(ctx, name)
	if err != nil {
		return errors.NewArchiveFailedError("failed to read back archive").WithCause(err)
	}

	payload, storedSum, err := archive.Decode(stored)
	if err != nil {
		return err
	}
	if storedSum != checksum {
		return errors.NewArchiveFailedError("archive read-back checksum mismatch")
	}
	if int64(len(payload.Logs)) != count {
		return errors.NewArchiveFailedError("archive read-back entry count mismatch")
	}
	return nil
}

// Verify checks a stored archive against its checksum sidecar and walks the
// restored chain segment.
func (a *Archiver) Verify(ctx context.Context, name string) (*audit.ChainVerificationResult, error) {
	entries, err := a.Restore(ctx, name)
	if err != nil {
		return nil, err
	}
	return audit.VerifyChain(entries)
}

// Restore loads a stored archive back into entries after checksum
// verification.
func (a *Archiver) Restore(ctx context.Context, name string) ([]*audit.LogEntry, error) {
	compressed, err := a.storage.Get(ctx, name)
	if err != nil {
		return nil, errors.NewArchiveFailedError("failed to read archive").WithCause(err)
	}

	payload, sum, err := archive.Decode(compressed)
	if err != nil {
		return nil, err
	}

	sidecar, err := a.storage.Get(ctx, name+archive.ChecksumSuffix)
	if err == nil {
		if string(sidecar) != sum {
			return nil, errors.NewArchiveFailedError("archive checksum sidecar mismatch")
		}
	} else {
		a.logger.Warn("archive has no checksum sidecar", zap.String("file", name))
	}

	entries := make([]*audit.LogEntry, 0, len(payload.Logs))
	for _, rec := range payload.Logs {
		entry, convErr := audit.FromArchiveRecord(rec)
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ArchiveInfo summarizes one stored archive for the CLI stats mode.
type ArchiveInfo struct {
	FileName  string `json:"file_name"`
	CreatedAt string `json:"created_at"`
	Entries   int64  `json:"entries"`
	Intact    bool   `json:"intact"`
}

// List describes every stored archive, skipping checksum sidecars.
func (a *Archiver) List(ctx context.Context) ([]ArchiveInfo, error) {
	names, err := a.storage.List(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]ArchiveInfo, 0, len(names))
	for _, name := range names {
		if strings.HasSuffix(name, archive.ChecksumSuffix) {
			continue
		}
		compressed, getErr := a.storage.Get(ctx, name)
		if getErr != nil {
			a.logger.Warn("skipping unreadable archive",
				zap.String("file", name), zap.Error(getErr))
			continue
		}
		payload, _, decErr := archive.Decode(compressed)
		if decErr != nil {
			a.logger.Warn("skipping undecodable archive",
				zap.String("file", name), zap.Error(decErr))
			continue
		}
		infos = append(infos, ArchiveInfo{
			FileName:  name,
			CreatedAt: payload.Metadata.CreatedAt,
			Entries:   payload.Metadata.TotalLogs,
			Intact:    payload.Metadata.HashChainIntact,
		})
	}
	return infos, nil
}
