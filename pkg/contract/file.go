package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// MaxBlobFileSize caps how many bytes ReadFile will return.
const MaxBlobFileSize = 1 << 20

// ErrBlobFileTooLarge is returned when a blob file exceeds MaxBlobFileSize.
var ErrBlobFileTooLarge = errors.New("blob file too large")

// ReadFile loads a blob from disk. Paths ending in .zst are zstd-decompressed.
func ReadFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if isCompressed(path) {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		reader = decoder
	}

	blob, err := io.ReadAll(io.LimitReader(reader, MaxBlobFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if len(blob) > MaxBlobFileSize {
		return nil, fmt.Errorf("%w: %s", ErrBlobFileTooLarge, path)
	}
	return blob, nil
}

// WriteFile stores a blob on disk. Paths ending in .zst are zstd-compressed.
func WriteFile(path string, blob []byte) error {
	if len(blob) > MaxBlobFileSize {
		return fmt.Errorf("%w: %d bytes", ErrBlobFileTooLarge, len(blob))
	}
	if !isCompressed(path) {
		return os.WriteFile(path, blob, 0644)
	}

	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := encoder.Write(blob); err != nil {
		encoder.Close()
		return fmt.Errorf("compress blob: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("compress blob: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func isCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}
