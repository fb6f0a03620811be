// Package models locates and downloads whisper.cpp ggml weights for the
// reference backend.
package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/logging"
)

// DefaultBaseURL hosts the upstream ggml conversions.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// ggmlNames maps size aliases onto the published file stems.
var ggmlNames = map[string]string{
	"large": "large-v3",
	"turbo": "large-v3-turbo",
}

// FileName returns the ggml weights file name for a model size.
func FileName(size string) string {
	if name, ok := ggmlNames[size]; ok {
		size = name
	}
	return "ggml-" + size + ".bin"
}

// Path returns where the weights for size live under dir.
func Path(dir, size string) string {
	return filepath.Join(dir, FileName(size))
}

// Downloader fetches ggml weights into Dir.
type Downloader struct {
	Dir     string
	BaseURL string
	Client  *http.Client
	// Progress receives a human-readable progress line. Nil disables it.
	Progress io.Writer
	Logger   zerolog.Logger
}

// Download fetches the weights for size unless they are already present.
// It returns the weights path and whether a download happened. The file is
// written to a temporary name and renamed into place when complete.
func (d *Downloader) Download(ctx context.Context, size string) (string, bool, error) {
	if !config.IsModelSize(size) {
		return "", false, apperr.Config("model size", size)
	}
	log := logging.Component(d.Logger, "models").With().Str(logging.FieldModel, size).Logger()

	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", false, fmt.Errorf("creating models dir: %w", err)
	}

	destPath := Path(d.Dir, size)
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		log.Info().Str(logging.FieldPath, destPath).Msg("model already present")
		return destPath, false, nil
	}

	base := d.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	url := base + "/" + FileName(size)
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("building request: %w", err)
	}
	log.Info().Str("url", url).Str(logging.FieldPath, destPath).Msg("downloading model")
	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	// Write to temp file first, then rename (atomic)
	f, err := os.CreateTemp(d.Dir, FileName(size)+".*.tmp")
	if err != nil {
		return "", false, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := f.Name()

	pr := &progressWriter{
		writer: f,
		out:    d.Progress,
		total:  resp.ContentLength,
		label:  FileName(size),
	}

	written, err := io.Copy(pr, resp.Body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", false, fmt.Errorf("writing model file: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		_ = os.Remove(tmpPath)
		return "", false, fmt.Errorf("download truncated: got %d of %d bytes", written, resp.ContentLength)
	}
	pr.finish()

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", false, fmt.Errorf("moving model file: %w", err)
	}

	log.Info().
		Float64("mb", float64(written)/(1024*1024)).
		Dur(logging.FieldElapsed, time.Since(start)).
		Msg("model downloaded")
	return destPath, true, nil
}

// progressWriter wraps an io.Writer and prints download progress.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.out == nil {
		return n, err
	}
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB / %.1f MB (%.0f%%)",
			pw.label,
			float64(pw.written)/(1024*1024),
			float64(pw.total)/(1024*1024),
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB downloaded",
			pw.label,
			float64(pw.written)/(1024*1024))
	}
	return n, err
}

func (pw *progressWriter) finish() {
	if pw.out != nil {
		fmt.Fprintln(pw.out)
	}
}
