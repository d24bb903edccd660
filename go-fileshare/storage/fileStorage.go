package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ianhoangdev/p2p-filesharing/go-fileshare/bitfield"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type fileStorage struct {
	sync.Mutex
	fs        afero.Fs
	path      string
	fileSize  int
	pieceSize int
	numPieces int
	file      afero.File
}

// NewFileStorage stores the shared file at path on fs, one piece at offset
// pieceIndex*pieceSize. Init must be called before reading or writing.
func NewFileStorage(
	fs afero.Fs,
	path string,
	fileSize int,
	pieceSize int) Storage {

	return &fileStorage{
		fs:        fs,
		path:      path,
		fileSize:  fileSize,
		pieceSize: pieceSize,
		numPieces: bitfield.NumPieces(fileSize, pieceSize),
	}
}

func (s *fileStorage) Init(hasFile bool) error {
	s.Lock()
	defer s.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if _, err := s.fs.Stat(dir); os.IsNotExist(err) {
			if err := s.fs.MkdirAll(dir, 0755); err != nil {
				return errors.Wrapf(err, "creating %s", dir)
			}
		}
	}

	if hasFile {
		info, err := s.fs.Stat(s.path)
		if err != nil {
			return errors.Wrapf(err, "seed file %s", s.path)
		}
		if info.Size() != int64(s.fileSize) {
			return errors.Wrapf(ErrFileSize, "%s is %d bytes, want %d", s.path, info.Size(), s.fileSize)
		}
		file, err := s.fs.OpenFile(s.path, os.O_RDWR, 0644)
		if err != nil {
			return errors.Wrapf(err, "opening %s", s.path)
		}
		s.file = file
		return nil
	}

	file, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", s.path)
	}
	if err := file.Truncate(int64(s.fileSize)); err != nil {
		file.Close()
		return errors.Wrapf(err, "sizing %s", s.path)
	}
	s.file = file
	return nil
}

func (s *fileStorage) NumPieces() int {
	return s.numPieces
}

func (s *fileStorage) PieceLength(pieceIndex int) int {
	if pieceIndex == s.numPieces-1 {
		return s.fileSize - s.pieceSize*(s.numPieces-1)
	}
	return s.pieceSize
}

func (s *fileStorage) checkIndex(pieceIndex int) error {
	if pieceIndex < 0 || pieceIndex >= s.numPieces {
		return errors.Wrapf(ErrPieceIndex, "piece %d of %d", pieceIndex, s.numPieces)
	}
	if s.file == nil {
		return errors.Errorf("storage %s not initialised", s.path)
	}
	return nil
}

func (s *fileStorage) ReadPiece(pieceIndex int) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.checkIndex(pieceIndex); err != nil {
		return nil, err
	}
	data := make([]byte, s.PieceLength(pieceIndex))
	if _, err := s.file.ReadAt(data, int64(pieceIndex*s.pieceSize)); err != nil {
		return nil, errors.Wrapf(err, "reading piece %d", pieceIndex)
	}
	return data, nil
}

func (s *fileStorage) WritePiece(pieceIndex int, data []byte) error {
	s.Lock()
	defer s.Unlock()

	if err := s.checkIndex(pieceIndex); err != nil {
		return err
	}
	if want := s.PieceLength(pieceIndex); len(data) != want {
		return errors.Wrapf(ErrPieceLength, "piece %d is %d bytes, want %d", pieceIndex, len(data), want)
	}
	if _, err := s.file.WriteAt(data, int64(pieceIndex*s.pieceSize)); err != nil {
		return errors.Wrapf(err, "writing piece %d", pieceIndex)
	}
	return nil
}

func (s *fileStorage) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
