package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/rickgao/bybit-data/internal/model"
)

const zstExt = ".zst"

// Recover reads a segment file back, returning every complete record.
//
// Records are newline-terminated, so a crash mid-append leaves at most
// one unterminated (or half-written) trailing line. That line is
// discarded and reported via truncated; all earlier records survive.
// Corruption anywhere else is an error, not silently skipped.
func Recover(path string) (records []model.BufferedRecord, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, zstExt) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, false, fmt.Errorf("open zstd reader: %w", err)
		}
		defer dec.Close()
		reader = dec
	}

	br := bufio.NewReader(reader)
	for {
		line, readErr := br.ReadBytes('\n')

		if readErr == io.EOF {
			// A leftover without the terminator is a torn tail write.
			if len(line) > 0 {
				truncated = true
			}
			return records, truncated, nil
		}
		if readErr != nil {
			return nil, false, fmt.Errorf("read segment: %w", readErr)
		}

		var record model.BufferedRecord
		if err := json.Unmarshal(line, &record); err != nil {
			// A terminated but unparseable line means corruption beyond
			// a simple truncation.
			return nil, false, fmt.Errorf("decode record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}

// compressSegment zstd-compresses a rotated segment, replacing the plain
// file only after the compressed copy is complete (write-temp-then-rename).
func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer src.Close()

	tmpPath := path + zstExt + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("compress segment: %w", err)
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("finish zstd stream: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close compressed file: %w", err)
	}

	if err := os.Rename(tmpPath, path+zstExt); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename compressed file: %w", err)
	}
	return os.Remove(path)
}
