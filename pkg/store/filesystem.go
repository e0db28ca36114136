package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DefaultFilesystemBasePath is the default directory image bodies are
// written under when no other base path is configured.
const DefaultFilesystemBasePath = "/var/lib/glacier/images"

// FilesystemDriver stores image bodies as plain files under a base
// directory, addressed by "file://<path>" location URLs. It is the
// "file" driver wired by cmd/registryd and cmd/registry-scrubber.
type FilesystemDriver struct {
	basePath string
}

// NewFilesystemDriver creates basePath if needed and returns a driver
// rooted there.
func NewFilesystemDriver(basePath string) (*FilesystemDriver, error) {
	if basePath == "" {
		basePath = DefaultFilesystemBasePath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create filesystem store directory: %w", err)
	}
	return &FilesystemDriver{basePath: basePath}, nil
}

func (d *FilesystemDriver) pathFor(imageID string) string {
	return filepath.Join(d.basePath, imageID)
}

// Get opens the file named by location (a "file://" URL).
func (d *FilesystemDriver) Get(_ context.Context, location string) (io.ReadCloser, int64, error) {
	path, err := locationToPath(location)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open image body: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat image body: %w", err)
	}
	return f, info.Size(), nil
}

// Put writes body to a new file under basePath, computing its MD5 as it
// streams rather than buffering the whole body in memory.
func (d *FilesystemDriver) Put(_ context.Context, imageID string, body io.Reader, _ int64) (string, int64, string, error) {
	if imageID == "" {
		imageID = uuid.NewString()
	}
	path := d.pathFor(imageID)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, "", fmt.Errorf("create image body file: %w", err)
	}
	defer f.Close()

	hash := md5.New()
	written, err := io.Copy(f, io.TeeReader(body, hash))
	if err != nil {
		os.Remove(path)
		return "", 0, "", fmt.Errorf("write image body: %w", err)
	}

	location := "file://" + path
	return location, written, hex.EncodeToString(hash.Sum(nil)), nil
}

// Delete removes the file named by location.
func (d *FilesystemDriver) Delete(_ context.Context, location string) error {
	path, err := locationToPath(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image body: %w", err)
	}
	return nil
}

func locationToPath(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("filesystem driver cannot handle scheme %q", u.Scheme)
	}
	return u.Path, nil
}
