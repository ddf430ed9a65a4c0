package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/values"
)

// Version is written into every archive's metadata.
const Version = "1.0"

// ChecksumSuffix names the sidecar carrying the hex SHA-256 of the
// uncompressed payload.
const ChecksumSuffix = ".sha256"

// Metadata describes one archive file.
type Metadata struct {
	CreatedAt       string `json:"createdAt"`
	CutoffDate      string `json:"cutoffDate"`
	TotalLogs       int64  `json:"totalLogs"`
	FirstLogDate    string `json:"firstLogDate,omitempty"`
	LastLogDate     string `json:"lastLogDate,omitempty"`
	HashChainIntact bool   `json:"hashChainIntact"`
	ArchiveVersion  string `json:"archiveVersion"`
}

// Payload is the decompressed archive content. Sequence numbers inside the
// records are decimal strings.
type Payload struct {
	Metadata Metadata              `json:"metadata"`
	Logs     []audit.ArchiveRecord `json:"logs"`
}

// FileName derives the archive object name from its creation instant.
func FileName(createdAt time.Time) string {
	return "security-logs-" + audit.FormatTimestamp(createdAt) + ".json.gz"
}

// Storage is a blob store for archive files. Implementations: local
// filesystem and S3-compatible object storage.
type Storage interface {
	// Put writes an object, replacing any existing one of the same name.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads an object in full.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns all object names, lexically sorted.
	List(ctx context.Context) ([]string, error)

	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, name string) error
}

// Encode serializes and gzips the payload, returning the compressed bytes
// and the hex SHA-256 of the uncompressed JSON.
func Encode(payload *Payload) ([]byte, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", errors.NewArchiveFailedError("failed to serialize archive payload").WithCause(err)
	}

	checksum := values.ComputeHashValue(raw)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, "", errors.NewArchiveFailedError("failed to compress archive payload").WithCause(err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", errors.NewArchiveFailedError("failed to finish archive compression").WithCause(err)
	}

	return buf.Bytes(), checksum.String(), nil
}

// Decode decompresses archive bytes and returns the payload together with
// the hex SHA-256 of the uncompressed JSON for checksum verification.
func Decode(compressed []byte) (*Payload, string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, "", errors.NewArchiveFailedError("archive is not valid gzip").WithCause(err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, "", errors.NewArchiveFailedError("failed to decompress archive").WithCause(err)
	}

	checksum := values.ComputeHashValue(raw)

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", errors.NewArchiveFailedError("archive payload is not valid JSON").WithCause(err)
	}
	return &payload, checksum.String(), nil
}
