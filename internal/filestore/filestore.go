// Package filestore maps a torrent's piece/block address space onto the
// on-disk files described by its metainfo. It performs no hashing or
// piece-level buffering of its own; the coordinator owns piece validation
// via internal/rollinghash and only ever asks this package to persist or
// retrieve whole blocks once they've already been accepted.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cnh/bittorrent/internal/meta"
	"github.com/cnh/bittorrent/pkg/bitfield"
	"github.com/cnh/bittorrent/pkg/pieceutil"
)

type Config struct {
	DownloadDir string
}

func DefaultConfig() *Config {
	return &Config{DownloadDir: defaultDownloadDir()}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "bittorrent")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "bittorrent", "downloads")
	}
}

// Store maps byte ranges of a torrent onto one or more on-disk files.
type Store struct {
	cfg       *Config
	pieceLen  int64
	totalSize int64
	numPieces int
	files     []*datafile
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// New opens (creating if necessary) the files backing m and truncates them
// to their final size.
func New(m *meta.Metainfo, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	files, err := setupFiles(m, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("filestore: setup files: %w", err)
	}

	return &Store{
		cfg:       cfg,
		pieceLen:  int64(m.Info.PieceLength),
		totalSize: m.Size(),
		numPieces: m.NumPieces(),
		files:     files,
	}, nil
}

// Have reports which pieces are already present on disk. Resuming a
// partially-downloaded torrent by re-hashing existing file contents is
// unimplemented (see DESIGN.md); every piece starts unverified, so the
// coordinator re-downloads from scratch rather than trusting stale bytes.
func (s *Store) Have() bitfield.Bitfield {
	return bitfield.New(s.numPieces)
}

// WriteBlock persists data at (pieceIndex, begin) to the underlying files,
// splitting the write across file boundaries as needed.
func (s *Store) WriteBlock(pieceIndex, begin int, data []byte) error {
	pieceLen, err := pieceutil.PieceLengthAt(pieceIndex, s.totalSize, int32(s.pieceLen))
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if begin < 0 || int64(begin)+int64(len(data)) > int64(pieceLen) {
		return fmt.Errorf("filestore: block out of bounds for piece %d: begin=%d len=%d piece_len=%d", pieceIndex, begin, len(data), pieceLen)
	}

	absStart := int64(pieceIndex)*s.pieceLen + int64(begin)
	absEnd := absStart + int64(len(data))

	if absEnd > s.totalSize {
		return fmt.Errorf("filestore: write out of bounds: end=%d size=%d", absEnd, s.totalSize)
	}

	for _, file := range s.files {
		fileStart, fileEnd := file.offset, file.offset+file.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		n, err := file.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("filestore: write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("filestore: short write to %s: wrote %d want %d", file.path, n, writeLen)
		}
	}

	return nil
}

// ReadBlock reads length bytes at (pieceIndex, begin), joining the read
// across file boundaries as needed. Nothing in this module calls it to
// resume a download; Have does not re-read existing file contents.
func (s *Store) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	absStart := int64(pieceIndex)*s.pieceLen + int64(begin)
	absEnd := absStart + int64(length)

	out := make([]byte, length)

	for _, file := range s.files {
		fileStart, fileEnd := file.offset, file.offset+file.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		n, err := file.f.ReadAt(out[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil {
			return nil, fmt.Errorf("filestore: read %s: %w", file.path, err)
		}
		if int64(n) != readLen {
			return nil, fmt.Errorf("filestore: short read from %s: read %d want %d", file.path, n, readLen)
		}
	}

	return out, nil
}

// Close closes every underlying file handle.
func (s *Store) Close() error {
	var firstErr error
	for _, file := range s.files {
		if err := file.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func setupFiles(m *meta.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		currentOffset int64
		datafiles     []*datafile
	)

	if m.Info.Length > 0 {
		fp := filepath.Join(downloadDir, m.Info.Name)
		mapping, err := createFileMapping(fp, m.Info.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		return append(datafiles, mapping), nil
	}

	for _, file := range m.Info.Files {
		fp := filepath.Join(downloadDir, m.Info.Name)
		for _, part := range file.Path {
			fp = filepath.Join(fp, part)
		}

		mapping, err := createFileMapping(fp, file.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		currentOffset += file.Length
	}

	return datafiles, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: file}, nil
}
