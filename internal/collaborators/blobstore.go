// Package collaborators provides the built-in implementations of the stage
// collaborator contracts: a filesystem blob store, a heuristic parser and
// extractor, and an HTTP platform syncer. Deployments with real services
// swap these out at wiring time.
package collaborators

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBlobStore serves uploaded documents from a directory tree. Keys
// are paths relative to the root; traversal outside the root is rejected.
type FilesystemBlobStore struct {
	root string
}

// NewFilesystemBlobStore roots the store at dir.
func NewFilesystemBlobStore(dir string) *FilesystemBlobStore {
	return &FilesystemBlobStore{root: dir}
}

func (s *FilesystemBlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	cleaned := filepath.Clean("/" + key)
	path := filepath.Join(s.root, cleaned)
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return nil, "", fmt.Errorf("document key %q escapes the upload root", key)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read document %s: %w", key, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if idx := strings.Index(mimeType, ";"); idx > 0 {
		mimeType = mimeType[:idx]
	}
	return data, mimeType, nil
}
