package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gantrylabs/gantry/pkg/types"
)

// ArtifactPolicy selects which workspace files are extracted after a run.
type ArtifactPolicy struct {
	// Globs are doublestar patterns matched against workspace-relative
	// paths. Empty means no extraction.
	Globs []string
	// MaxSizeBytes skips files larger than this. Zero means no ceiling.
	MaxSizeBytes int64
}

// DefaultArtifactPolicy extracts the outputs a harness run typically
// produces.
func DefaultArtifactPolicy(maxSize int64) ArtifactPolicy {
	return ArtifactPolicy{
		Globs: []string{
			"**/*.patch",
			"**/*.diff",
			"*.md",
			"output/**",
			"artifacts/**",
		},
		MaxSizeBytes: maxSize,
	}
}

// Extract walks the workspace and returns the matching artifacts with
// their checksums. Unreadable files are skipped, not fatal.
func (p ArtifactPolicy) Extract(workspace string) ([]types.Artifact, error) {
	if len(p.Globs) == 0 {
		return nil, nil
	}

	var artifacts []types.Artifact
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !p.matches(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if p.MaxSizeBytes > 0 && info.Size() > p.MaxSizeBytes {
			return nil
		}

		sum, err := checksumFile(path)
		if err != nil {
			return nil
		}
		artifacts = append(artifacts, types.Artifact{
			Path:      rel,
			Kind:      classifyArtifact(rel),
			MediaType: mediaTypeFor(rel),
			SizeBytes: info.Size(),
			SHA256:    sum,
		})
		return nil
	})
	return artifacts, err
}

func (p ArtifactPolicy) matches(rel string) bool {
	for _, g := range p.Globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// classifyArtifact buckets a file by extension.
func classifyArtifact(rel string) string {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".patch", ".diff":
		return "diff"
	case ".md", ".txt", ".rst":
		return "document"
	case ".png", ".jpg", ".jpeg", ".gif", ".svg":
		return "image"
	case ".json", ".yaml", ".yml", ".toml":
		return "data"
	case ".log":
		return "log"
	default:
		return "file"
	}
}

func mediaTypeFor(rel string) string {
	if mt := mime.TypeByExtension(filepath.Ext(rel)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
