package sigdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ipsix/avsweep/internal/logging"
)

const userAgent = "avsweep-sigdb/1.0"

// Fetch downloads a signature file or archive and imports it. When
// expectedSHA256 is set the download is rejected unless its digest matches.
func (d *DB) Fetch(ctx context.Context, url, expectedSHA256 string) (Status, error) {
	filename := filenameForURL(url)
	if filename == "" {
		return Status{}, fmt.Errorf("cannot derive a file name from %s", url)
	}
	dir, err := os.MkdirTemp("", "avsweep-fetch-")
	if err != nil {
		return Status{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	dest := filepath.Join(dir, filename)
	digest, err := d.download(ctx, url, dest)
	if err != nil {
		return Status{}, err
	}
	if expectedSHA256 != "" && !strings.EqualFold(digest, expectedSHA256) {
		return Status{}, fmt.Errorf("checksum mismatch for %s: expected %s got %s", url, strings.ToLower(expectedSHA256), digest)
	}
	d.logger.Debug("signatures downloaded", logging.Field{Key: "url", Value: url}, logging.Field{Key: "sha256", Value: digest})
	return d.importSource(ctx, dest, SourceStatus{Source: filename, URL: url, SHA256: digest})
}

func (d *DB) download(ctx context.Context, url, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hasher), resp.Body); err != nil {
		out.Close()
		return "", fmt.Errorf("write download: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close download file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func filenameForURL(raw string) string {
	parsed := strings.Split(raw, "?")[0]
	base := strings.TrimSpace(path.Base(parsed))
	if base == "." || base == "/" || base == "" {
		return ""
	}
	return base
}
