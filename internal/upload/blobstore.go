package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrBlobNotFound is returned for operations on a blob that does not exist.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrBlobExists is returned when creating a blob whose id is taken.
	ErrBlobExists = errors.New("blob already exists")
	// ErrBlobOffset is returned when a write does not start at the blob's end.
	ErrBlobOffset = errors.New("write offset does not match blob length")
)

// BlobStore keeps one file per upload session, named by session id, inside a
// single directory. Writes are append-only: every write must start at the
// current end of the file.
type BlobStore struct {
	fs  afero.Fs
	dir string
}

// NewBlobStore prepares dir on fs, creating it when missing.
func NewBlobStore(fs afero.Fs, dir string) (*BlobStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, errors.New("blob directory is required")
	}
	dir = filepath.Clean(trimmed)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory %s: %w", dir, err)
	}
	return &BlobStore{fs: fs, dir: dir}, nil
}

// Fs exposes the filesystem blobs live on.
func (s *BlobStore) Fs() afero.Fs {
	return s.fs
}

// Dir returns the directory holding the blobs.
func (s *BlobStore) Dir() string {
	return s.dir
}

// Path returns the location of the blob for id.
func (s *BlobStore) Path(id string) string {
	return filepath.Join(s.dir, id)
}

// Create allocates an empty blob for id.
func (s *BlobStore) Create(id string) error {
	if !validBlobID(id) {
		return fmt.Errorf("create blob: invalid id %q", id)
	}
	file, err := s.fs.OpenFile(s.Path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create blob %s: %w", id, ErrBlobExists)
		}
		return fmt.Errorf("create blob %s: %w", id, err)
	}
	return file.Close()
}

// Size reports the current length of the blob for id.
func (s *BlobStore) Size(id string) (int64, error) {
	info, err := s.fs.Stat(s.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("stat blob %s: %w", id, ErrBlobNotFound)
		}
		return 0, fmt.Errorf("stat blob %s: %w", id, err)
	}
	return info.Size(), nil
}

// WriteAt appends everything read from src to the blob, which must currently
// be exactly offset bytes long. It returns the blob length after the write.
// When src fails midway the bytes already written stay in place and the
// returned length reflects them.
func (s *BlobStore) WriteAt(id string, offset int64, src io.Reader) (int64, error) {
	size, err := s.Size(id)
	if err != nil {
		return 0, err
	}
	if size != offset {
		return size, fmt.Errorf("write blob %s at %d (length %d): %w", id, offset, size, ErrBlobOffset)
	}

	file, err := s.fs.OpenFile(s.Path(id), os.O_WRONLY, 0o644)
	if err != nil {
		return size, fmt.Errorf("open blob %s: %w", id, err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return size, fmt.Errorf("seek blob %s: %w", id, err)
	}

	written, copyErr := io.Copy(file, src)
	syncErr := file.Sync()
	closeErr := file.Close()
	length := offset + written

	switch {
	case copyErr != nil:
		return length, fmt.Errorf("write blob %s: %w", id, copyErr)
	case syncErr != nil:
		return length, fmt.Errorf("sync blob %s: %w", id, syncErr)
	case closeErr != nil:
		return length, fmt.Errorf("close blob %s: %w", id, closeErr)
	}
	return length, nil
}

// Open returns a reader over the blob for id.
func (s *BlobStore) Open(id string) (afero.File, error) {
	file, err := s.fs.Open(s.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open blob %s: %w", id, ErrBlobNotFound)
		}
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return file, nil
}

// Delete removes the blob for id. Deleting a missing blob is not an error.
func (s *BlobStore) Delete(id string) error {
	if err := s.fs.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}

// RemoveFile deletes a blob addressed by its full path, as handed to
// completion handlers under MetaFilePath. Paths outside the blob directory
// are refused.
func (s *BlobStore) RemoveFile(path string) error {
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("remove %s: not a blob in %s", path, s.dir)
	}
	return s.Delete(rel)
}

func validBlobID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
