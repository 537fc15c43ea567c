package storagemgr

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/opensensor/lightnvr-go/internal/nvrerr"
	"github.com/opensensor/lightnvr-go/internal/storage"
)

// SupportBundleInput names the pieces assembled into a diagnostic archive:
// a tail of application logs, a copy of the database file, and a redacted
// config dump (redaction is the caller's responsibility — this package
// only packages bytes it's handed).
type SupportBundleInput struct {
	LogTail        []byte
	DatabasePath   string
	RedactedConfig []byte
}

// ExportSupportBundle writes a brotli-compressed tar archive containing
// logs/tail.log, db/database.sqlite, and config/redacted.yaml into the
// sandbox at relativePath, for offline diagnostics.
func (m *Manager) ExportSupportBundle(ctx context.Context, sandbox *storage.Sandbox, relativePath string, in SupportBundleInput) error {
	tmp, err := sandbox.CreateTemp("temp", "support-bundle-*.tar.br")
	if err != nil {
		return nvrerr.New(nvrerr.TransientIO, "storagemgr.ExportSupportBundle", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeSupportBundle(tmp, in); err != nil {
		tmp.Close()
		return nvrerr.New(nvrerr.TransientIO, "storagemgr.ExportSupportBundle", err)
	}
	if err := tmp.Close(); err != nil {
		return nvrerr.New(nvrerr.TransientIO, "storagemgr.ExportSupportBundle", err)
	}

	if err := sandbox.AtomicPublish(tmpPath, relativePath); err != nil {
		return nvrerr.New(nvrerr.TransientIO, "storagemgr.ExportSupportBundle", err)
	}
	return nil
}

func writeSupportBundle(w io.Writer, in SupportBundleInput) error {
	bw := brotli.NewWriter(w)
	tw := tar.NewWriter(bw)

	if len(in.LogTail) > 0 {
		if err := writeTarEntry(tw, "logs/tail.log", in.LogTail); err != nil {
			return err
		}
	}
	if len(in.RedactedConfig) > 0 {
		if err := writeTarEntry(tw, "config/redacted.yaml", in.RedactedConfig); err != nil {
			return err
		}
	}
	if in.DatabasePath != "" {
		data, err := os.ReadFile(in.DatabasePath)
		if err != nil {
			return fmt.Errorf("reading database for bundle: %w", err)
		}
		if err := writeTarEntry(tw, "db/database.sqlite", data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("closing brotli writer: %w", err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0640,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar entry %s: %w", name, err)
	}
	return nil
}
