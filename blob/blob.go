// Package blob stores invoice files under a local root directory, keyed by
// a forward-slash reference like "documents/acme-june.pdf".
package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store is a filesystem-backed blob store.
type Store struct {
	root    string
	tempDir string
	logger  *slog.Logger
}

// New creates a store rooted at root. Fetched copies land in tempDir.
func New(root, tempDir string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: root, tempDir: tempDir, logger: logger}, nil
}

// resolve maps a reference to a path under root, rejecting escapes.
func (s *Store) resolve(ref string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(ref))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("blob: invalid reference %q", ref)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Put copies a local file into the store under ref.
func (s *Store) Put(ctx context.Context, localPath, ref string) error {
	dst, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blob: put %q: %w", ref, err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return fmt.Errorf("blob: put %q: %w", ref, err)
	}
	s.logger.Info("blob stored", "ref", ref)
	return nil
}

// Fetch copies the blob at ref into the temp directory and returns the
// local path. The caller owns the copy and removes it when done.
func (s *Store) Fetch(ctx context.Context, ref string) (string, error) {
	src, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("blob: fetch %q: %w", ref, err)
	}

	out, err := os.CreateTemp(s.tempDir, "invobot-*-"+filepath.Base(src))
	if err != nil {
		return "", fmt.Errorf("blob: fetch %q: %w", ref, err)
	}
	defer out.Close()

	in, err := os.Open(src)
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("blob: fetch %q: %w", ref, err)
	}
	defer in.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("blob: fetch %q: %w", ref, err)
	}
	return out.Name(), nil
}

// Delete removes the blob at ref. Deleting an absent blob is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %q: %w", ref, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
