package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const defaultLinkTTL = 15 * time.Minute

// LogArchive keeps full job console logs as zstd objects so that only a short
// excerpt has to live in the database.
type LogArchive struct {
	client  *Client
	bucket  string
	prefix  string
	linkTTL time.Duration
}

// NewLogArchive stores objects under bucket/prefix.
func NewLogArchive(client *Client, bucket, prefix string, linkTTL time.Duration) (*LogArchive, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if linkTTL <= 0 {
		linkTTL = defaultLinkTTL
	}
	return &LogArchive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), linkTTL: linkTTL}, nil
}

// Store uploads raw under a key derived from the run and job ids and returns that key.
func (a *LogArchive) Store(ctx context.Context, runID string, jobID int64, raw string) (string, error) {
	payload, sum, err := compressLog(raw)
	if err != nil {
		return "", err
	}

	key := archiveKey(a.prefix, runID, jobID)
	if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), sum, "zstd"); err != nil {
		return "", fmt.Errorf("upload log archive: %w", err)
	}
	return key, nil
}

// URL returns a short-lived download link for key.
func (a *LogArchive) URL(ctx context.Context, key string) (string, error) {
	return a.client.PresignGet(ctx, a.bucket, key, a.linkTTL)
}

func archiveKey(prefix, runID string, jobID int64) string {
	return path.Join(prefix, "runs", runID, fmt.Sprintf("job-%d.log.zst", jobID))
}

func compressLog(raw string) ([]byte, string, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, "", fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	payload := encoder.EncodeAll([]byte(raw), nil)
	digest := sha256.Sum256(payload)
	return payload, hex.EncodeToString(digest[:]), nil
}
