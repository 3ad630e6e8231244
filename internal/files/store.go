// Package files stores message attachments on disk.
package files

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
)

// MaxFileSize bounds a single upload.
const MaxFileSize = 20 << 20

// File is an attachment with its content.
type File struct {
	ID       string
	Filename string
	MimeType string
	Data     []byte
}

// Base64 returns the content in the encoding providers expect.
func (f *File) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// DiskStore keeps each file in its own directory, <dir>/<id>/<filename>.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("could not create files directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Save writes r under a new id. Content larger than MaxFileSize is rejected.
func (s *DiskStore) Save(ctx context.Context, filename string, r io.Reader) (*model.FileRef, error) {
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return nil, fmt.Errorf("%w: invalid filename %q", app_errors.ErrValidation, filename)
	}

	id := uuid.NewString()
	dir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, app_errors.Persistence("create file directory", err)
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, app_errors.Persistence("create file", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, MaxFileSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > MaxFileSize {
		err = fmt.Errorf("%w: file exceeds %d bytes", app_errors.ErrValidation, MaxFileSize)
	}
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("Could not remove partial upload", "file_id", id, "error", rmErr)
		}
		if errors.Is(err, app_errors.ErrValidation) {
			return nil, err
		}
		return nil, app_errors.Persistence("write file", err)
	}

	slog.Debug("Stored file", "file_id", id, "filename", name, "size", n)
	return &model.FileRef{ID: id, Filename: name}, nil
}

// Get loads a file. Unknown or malformed ids yield ErrNotFound.
func (s *DiskStore) Get(ctx context.Context, id string) (*File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: file %s", app_errors.ErrNotFound, id)
	}
	dir := filepath.Join(s.dir, id)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(entries) == 0) {
		return nil, fmt.Errorf("%w: file %s", app_errors.ErrNotFound, id)
	}
	if err != nil {
		return nil, app_errors.Persistence("read file directory", err)
	}

	path := filepath.Join(dir, entries[0].Name())
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, app_errors.Persistence("read file", err)
	}
	return &File{
		ID:       id,
		Filename: entries[0].Name(),
		MimeType: mimetype.Detect(data).String(),
		Data:     data,
	}, nil
}
