// Package storage keeps inpainting results produced by synchronous backend calls.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var ErrNotFound = errors.New("result not found")

// Store persists job results and hands back a reference to them
type Store interface {
	Save(ctx context.Context, taskID string, data []byte) (string, error)
	Load(ctx context.Context, ref string) ([]byte, string, error)
	Delete(ctx context.Context, ref string) error
}

// Local stores results under a base directory as <task id><ext>
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Save writes data atomically. The extension follows the detected content.
func (l *Local) Save(ctx context.Context, taskID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.HasPrefix(taskID, ".") {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}

	name := taskID + mimetype.Detect(data).Extension()
	tmp, err := os.CreateTemp(l.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close result: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store result: %w", err)
	}
	return name, nil
}

// Load returns the stored bytes and their content type
func (l *Local) Load(ctx context.Context, ref string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	path, err := l.path(ref)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read result: %w", err)
	}
	return data, mimetype.Detect(data).String(), nil
}

func (l *Local) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}

// PruneOlderThan removes results last written before now-maxAge
func (l *Local) PruneOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list results: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (l *Local) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid result reference %q", ref)
	}
	return filepath.Join(l.dir, ref), nil
}
