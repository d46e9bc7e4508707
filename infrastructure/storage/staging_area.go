package storage

import (
	"bufio"
	"chat-relay/domain"
	"chat-relay/errors"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"
)

// SniffLen is how many leading bytes are inspected to detect a MIME type.
const SniffLen = 3072

const partialSuffix = ".part"

// StagingArea holds file bodies on local disk while they wait for their
// recipients. Bodies are named {id}_{sender}_{filename}.
type StagingArea struct {
	dir string
	log *slog.Logger
}

func NewStagingArea(dir string, log *slog.Logger) (*StagingArea, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating staging dir %s: %v", errors.ErrIO, dir, err)
	}
	return &StagingArea{dir: dir, log: log}, nil
}

func (s *StagingArea) Dir() string {
	return s.dir
}

// Write copies exactly size bytes of body to disk. The returned file has
// its path, checksum and MIME type filled; Refs is left to the caller.
// On any failure the partial file is removed.
func (s *StagingArea) Write(file domain.StagedFile, body io.Reader) (domain.StagedFile, error) {
	mime, body, err := SniffMime(body, file.Size)
	if err != nil {
		return domain.StagedFile{}, err
	}

	name := fmt.Sprintf("%s_%s_%s", file.ID, file.Sender, filepath.Base(file.Filename))
	final := filepath.Join(s.dir, name)
	partial := final + partialSuffix

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return domain.StagedFile{}, fmt.Errorf("%w: creating %s: %v", errors.ErrIO, name, err)
	}
	hash, err := blake2b.New256(nil)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(partial)
		return domain.StagedFile{}, err
	}

	written, copyErr := io.Copy(io.MultiWriter(out, hash), body)
	closeErr := out.Close()
	if copyErr == nil && written != file.Size {
		copyErr = fmt.Errorf("wrote %d of %d bytes", written, file.Size)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil {
		copyErr = os.Rename(partial, final)
	}
	if copyErr != nil {
		_ = os.Remove(partial)
		// A short sender stream stays a protocol error for the router.
		if stderrors.Is(copyErr, errors.ErrProtocol) {
			return domain.StagedFile{}, copyErr
		}
		return domain.StagedFile{}, fmt.Errorf("%w: staging %s: %v", errors.ErrIO, name, copyErr)
	}

	file.Path = final
	file.Mime = mime
	file.Checksum = hex.EncodeToString(hash.Sum(nil))
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	s.log.Debug("File staged", "id", file.ID, "path", final, "size", file.Size, "mime", mime)
	return file, nil
}

// Open returns the staged body after checking it still matches the
// checksum recorded when it was written.
func (s *StagingArea) Open(file domain.StagedFile) (io.ReadCloser, error) {
	if err := s.Verify(file); err != nil {
		return nil, err
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", errors.ErrIO, file.Path, err)
	}
	return f, nil
}

func (s *StagingArea) Verify(file domain.StagedFile) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", errors.ErrIO, file.Path, err)
	}
	defer f.Close()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	n, err := io.Copy(hash, f)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", errors.ErrIO, file.Path, err)
	}
	if n != file.Size || hex.EncodeToString(hash.Sum(nil)) != file.Checksum {
		return fmt.Errorf("%w: staged file %s is corrupted", errors.ErrIO, file.ID)
	}
	return nil
}

// Remove deletes a staged body. A body already gone is not an error.
func (s *StagingArea) Remove(file domain.StagedFile) error {
	if err := os.Remove(file.Path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %v", errors.ErrIO, file.Path, err)
	}
	return nil
}

// Orphans lists bodies modified before the given time whose id is not in
// known. Partial writes left by a crash are included.
func (s *StagingArea) Orphans(known map[string]struct{}, before time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errors.ErrIO, s.dir, err)
	}

	var orphans []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		id, _, _ := strings.Cut(entry.Name(), "_")
		if _, ok := known[id]; ok && !strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		orphans = append(orphans, filepath.Join(s.dir, entry.Name()))
	}
	return orphans, nil
}

// RemovePath deletes a body found by Orphans.
func (s *StagingArea) RemovePath(path string) error {
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return fmt.Errorf("%w: %s is outside the staging area", errors.ErrPermission, path)
	}
	return s.Remove(domain.StagedFile{Path: path})
}

// SniffMime detects the MIME type of a body of the given size from its
// leading bytes. The returned reader yields the whole body, sniffed bytes
// included.
func SniffMime(body io.Reader, size int64) (string, io.Reader, error) {
	n := SniffLen
	if size < int64(n) {
		n = int(size)
	}
	if n == 0 {
		return mimetype.Detect(nil).String(), body, nil
	}
	buffered := bufio.NewReaderSize(body, SniffLen)
	head, err := buffered.Peek(n)
	if err != nil {
		return "", nil, err
	}
	return mimetype.Detect(head).String(), buffered, nil
}
