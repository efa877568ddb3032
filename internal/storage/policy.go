package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const gzipSuffix = ".gz"

// Policy decides, per record, whether a payload lives inline in the results
// table or as a file on disk. Requests are always inline; outputs spill to
// baseDir unless inlineOutputs is set. The decision is deterministic per id,
// so an update reproduces the location chosen at insert time.
type Policy struct {
	baseDir       string
	inlineOutputs bool
}

func NewPolicy(baseDir string, inlineOutputs bool) (*Policy, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating results base directory %s: %w", baseDir, err)
	}
	log.Info().Str("path", baseDir).Msg("using base directory for spilled results")
	return &Policy{baseDir: baseDir, inlineOutputs: inlineOutputs}, nil
}

// IsOutputID reports whether id names an output-category record.
func IsOutputID(id string) bool {
	return strings.Contains(strings.ToLower(id), "output")
}

// Spills reports whether output payloads go to disk.
func (p *Policy) Spills() bool {
	return !p.inlineOutputs
}

// StoreValue returns the value to place in the RESPONSE column. For spilled
// records that is the file URI of the written payload. A disk write failure
// is returned alongside the inline fallback value; the insert proceeds with
// the raw payload rather than aborting.
func (p *Policy) StoreValue(id string, payload []byte) (string, error) {
	if !IsOutputID(id) || p.inlineOutputs {
		return string(payload), nil
	}
	location, err := p.spill(id, payload)
	if err != nil {
		return string(payload), fmt.Errorf("writing output data to disk: %w", err)
	}
	return location, nil
}

// UpdateValue recomputes the stored value for an existing record without
// moving it: a row holding a file marker has its file rewritten in place
// (recreated if it went missing), any other row stays inline. This keeps the
// storage location fixed even when the insert-time spill failed and the row
// holds a raw payload instead of a marker.
func (p *Policy) UpdateValue(current string, payload []byte) (string, error) {
	path, ok := parseFileMarker(current)
	if !ok {
		return string(payload), nil
	}
	if err := writeAtomic(path, payload); err != nil {
		return "", fmt.Errorf("rewriting spilled payload: %w", err)
	}
	return current, nil
}

// spill writes payload to <baseDir>/<id> and returns its file URI.
func (p *Policy) spill(id string, payload []byte) (string, error) {
	if err := os.MkdirAll(p.baseDir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(p.baseDir, id)
	if err := writeAtomic(path, payload); err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String(), nil
}

// writeAtomic goes through a temp file so a concurrent reader never sees a
// partial payload.
func writeAtomic(path string, payload []byte) error {
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Open applies the read-side rule to a stored value: spilled records are
// reopened from their file location, decompressed when gzip-suffixed. When
// the referenced file is missing the raw stored value (the location marker)
// is returned unchanged.
func (p *Policy) Open(id, stored string) io.ReadCloser {
	raw := io.NopCloser(strings.NewReader(stored))
	if !IsOutputID(id) || p.inlineOutputs {
		return raw
	}

	path, ok := p.fileLocation(stored)
	if !ok {
		log.Warn().Str("id", id).Msg("spilled response file not found, returning stored value")
		return raw
	}

	f, err := os.Open(path) // #nosec G304 -- path derives from our own base directory
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("could not open spilled response file")
		return raw
	}
	if strings.HasSuffix(path, gzipSuffix) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			log.Warn().Err(err).Str("id", id).Msg("could not decompress spilled response file")
			return raw
		}
		return &gzipReadCloser{Reader: zr, file: f}
	}
	return f
}

// parseFileMarker reports whether stored is a file URI and returns its path.
func parseFileMarker(stored string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(stored))
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}

// fileLocation parses stored as a file URI and checks the file exists.
func (p *Policy) fileLocation(stored string) (string, bool) {
	path, ok := parseFileMarker(stored)
	if !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// RemoveSpilled deletes the spilled file for id. A missing file is not an error.
func (p *Policy) RemoveSpilled(id string) error {
	err := os.Remove(filepath.Join(p.baseDir, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	ferr := g.file.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}
