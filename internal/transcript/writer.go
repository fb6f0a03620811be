// Package transcript persists transcripts to the user's transcripts
// directory: a human-readable .txt artifact plus optional .json and .srt
// sidecars sharing its base name.
package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/asr"
)

// Output formats.
const (
	FormatText = "txt"
	FormatJSON = "json"
	FormatSRT  = "srt"
)

// maxCollisions bounds the -2, -3, ... suffix search.
const maxCollisions = 1000

// Writer writes transcripts into Dir.
type Writer struct {
	// Dir is created on first write if absent.
	Dir string
	// Formats lists sidecars to write next to the .txt artifact. The text
	// artifact is always written.
	Formats []string
	// Now stamps transcripts that carry no CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

// Write persists t and returns the path of the .txt artifact. Either every
// requested file exists complete afterwards or none does.
func (w *Writer) Write(t *asr.Transcript) (string, error) {
	if t.CreatedAt.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		t.CreatedAt = now()
	}

	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return "", apperr.Internal("creating transcripts directory").WithCause(err).WithDetail("path", w.Dir)
	}

	text := []byte(RenderText(t))
	sidecars, err := w.renderSidecars(t)
	if err != nil {
		return "", apperr.Internal("rendering transcript").WithCause(err)
	}

	base, err := w.reserve(BaseName(t.Source, t.CreatedAt), text)
	if err != nil {
		return "", apperr.Internal("writing transcript").WithCause(err).WithDetail("path", w.Dir)
	}

	txtPath := base + "." + FormatText
	var written []string
	for _, sc := range sidecars {
		path := base + "." + sc.ext
		if err := atomicWrite(path, sc.data); err != nil {
			for _, p := range append(written, txtPath) {
				_ = os.Remove(p)
			}
			return "", apperr.Internal("writing transcript").WithCause(err).WithDetail("path", path)
		}
		written = append(written, path)
	}
	return txtPath, nil
}

type sidecar struct {
	ext  string
	data []byte
}

func (w *Writer) renderSidecars(t *asr.Transcript) ([]sidecar, error) {
	var out []sidecar
	seen := map[string]bool{FormatText: true}
	for _, f := range w.Formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if seen[f] {
			continue
		}
		seen[f] = true
		switch f {
		case FormatJSON:
			data, err := RenderJSON(t)
			if err != nil {
				return nil, err
			}
			out = append(out, sidecar{FormatJSON, data})
		case FormatSRT:
			out = append(out, sidecar{FormatSRT, []byte(RenderSRT(t))})
		default:
			return nil, fmt.Errorf("unknown format %q", f)
		}
	}
	return out, nil
}

// reserve writes text to a temp file and hard-links it to the first free
// <name>.txt, <name>-2.txt, ... in Dir. Linking fails instead of replacing
// an existing file, so concurrent writers never clobber each other. On
// filesystems without hard links the name is claimed with an exclusive
// create and the temp file renamed over the placeholder. The chosen path
// without extension is returned.
func (w *Writer) reserve(name string, text []byte) (string, error) {
	tmp, err := writeTemp(w.Dir, text)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	canLink := true
	for n := 1; n <= maxCollisions; n++ {
		base := filepath.Join(w.Dir, name)
		if n > 1 {
			base = fmt.Sprintf("%s-%d", base, n)
		}
		path := base + "." + FormatText

		if canLink {
			err := linkFile(tmp, path)
			if err == nil {
				return base, nil
			}
			if errors.Is(err, os.ErrExist) {
				continue
			}
			canLink = false
		}

		err := claim(tmp, path)
		if err == nil {
			return base, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", name, maxCollisions)
}

// linkFile is swapped in tests to simulate a filesystem without hard links.
var linkFile = os.Link

// claim creates path exclusively and moves tmp over it.
func claim(tmp, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("claiming %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(path)
		return fmt.Errorf("moving transcript into place: %w", err)
	}
	return nil
}

// BaseName builds "transcript_<stem>_<YYYYMMDD_HHMMSS>_<mmm>" from the
// source identity and creation time.
func BaseName(source string, created time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return fmt.Sprintf("transcript_%s_%s_%03d",
		SanitizeName(stem),
		created.Format("20060102_150405"),
		created.Nanosecond()/int(time.Millisecond))
}

// SanitizeName reduces s to letters, digits, '-' and '_' so it is safe in
// a file name on every platform. Runs of other characters become one '_'.
func SanitizeName(s string) string {
	const maxRunes = 64

	var b strings.Builder
	lastUnderscore := false
	n := 0
	for _, r := range s {
		if n >= maxRunes {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if lastUnderscore {
				continue
			}
			b.WriteRune('_')
			lastUnderscore = true
		}
		n++
	}

	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return "audio"
	}
	return out
}

// writeFile is swapped in tests to simulate a failure mid-write.
var writeFile = func(f *os.File, data []byte) error {
	_, err := f.Write(data)
	return err
}

// writeTemp writes data to a new synced temp file in dir and returns its path.
func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".transcript-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	path := f.Name()

	if err := writeFile(f, data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return path, nil
}

// atomicWrite writes data to path atomically using a temp file + rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
