// Package artifact checks uploaded deploy archives before they are sent to
// the hosting API.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	ErrEmpty           = errors.New("artifact is empty")
	ErrTooLarge        = errors.New("artifact exceeds size limit")
	ErrNotArchive      = errors.New("artifact is not a zip archive")
	ErrManifestMissing = errors.New("artifact has no manifest at the archive root")
)

const expansionFactor = 10

// Validator holds the structural rules for deploy archives.
type Validator struct {
	ManifestNames []string
	MaxBytes      int64
}

// Validate returns the name of the manifest entry found at the archive root.
func (v Validator) Validate(fileName string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", ErrEmpty
	}
	if v.MaxBytes > 0 && int64(len(content)) > v.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(content))
	}
	if ext := strings.ToLower(path.Ext(fileName)); ext != "" && ext != ".zip" {
		return "", fmt.Errorf("%w: unexpected extension %q", ErrNotArchive, ext)
	}

	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotArchive, err)
	}

	manifest := ""
	budget := v.expandedLimit(len(content))
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		n, err := drain(f, budget)
		if err != nil {
			return "", err
		}
		budget -= n
		if manifest == "" {
			manifest = v.rootManifest(f.Name)
		}
	}
	if manifest == "" {
		return "", ErrManifestMissing
	}
	return manifest, nil
}

func (v Validator) rootManifest(entry string) string {
	name := strings.TrimPrefix(entry, "./")
	if strings.Contains(name, "/") {
		return ""
	}
	for _, manifest := range v.ManifestNames {
		if strings.EqualFold(name, manifest) {
			return name
		}
	}
	return ""
}

// expandedLimit bounds the total decompressed size read while checking entries.
func (v Validator) expandedLimit(compressed int) int64 {
	if v.MaxBytes > 0 {
		return v.MaxBytes * expansionFactor
	}
	return int64(compressed) * expansionFactor
}

// drain reads one entry to EOF so flate and CRC errors surface.
func drain(f *zip.File, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotArchive, f.Name, err)
	}
	defer rc.Close()
	n, err := io.Copy(io.Discard, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, fmt.Errorf("%w: %s: %v", ErrNotArchive, f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: expanded content", ErrTooLarge)
	}
	return n, nil
}
