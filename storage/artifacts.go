package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ArtifactSink persists diagnostic files (screenshots, page HTML) and returns
// a location an operator can open.
type ArtifactSink interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) (string, error)
}

// LocalArtifactSink writes artifacts under a directory.
type LocalArtifactSink struct {
	dir string
}

func NewLocalArtifactSink(dir string) (*LocalArtifactSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalArtifactSink{dir: dir}, nil
}

func (s *LocalArtifactSink) Put(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	path := filepath.Join(s.dir, filepath.Clean("/"+key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, data); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
