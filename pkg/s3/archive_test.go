package s3

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestArchiveKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "runs/r1/job-894.log.zst"},
		{prefix: "tfgate/logs", want: "tfgate/logs/runs/r1/job-894.log.zst"},
	}
	for _, tt := range tests {
		if got := archiveKey(tt.prefix, "r1", 894); got != tt.want {
			t.Fatalf("archiveKey(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestCompressLogChecksumCoversPayload(t *testing.T) {
	raw := strings.Repeat("Error: creating EC2 VPC: UnauthorizedOperation\n", 200)

	payload, sum, err := compressLog(raw)
	if err != nil {
		t.Fatalf("compressLog() error = %v", err)
	}
	if len(payload) >= len(raw) {
		t.Fatalf("payload not compressed: %d >= %d", len(payload), len(raw))
	}
	digest := sha256.Sum256(payload)
	if sum != hex.EncodeToString(digest[:]) {
		t.Fatal("checksum does not match payload")
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer decoder.Close()
	plain, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	if string(plain) != raw {
		t.Fatal("decoded log differs from input")
	}
}

func TestNewLogArchiveValidates(t *testing.T) {
	if _, err := NewLogArchive(nil, "bucket", "", 0); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewLogArchive(&Client{}, " ", "", 0); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
