// Package report exports accounting snapshots as line-delimited JSON,
// one usage row per line.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/diskwarden/diskwarden/pkg/proto"
)

// Write encodes rows to w, one JSON object per line.
func Write(w io.Writer, rows []proto.UsageRow) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}
	return nil
}

// WriteFile writes rows to path. Output is zstd-compressed when the
// path ends in .zst.
func WriteFile(path string, rows []proto.UsageRow) error {
	var buf bytes.Buffer
	if err := Write(&buf, rows); err != nil {
		return err
	}

	data := buf.Bytes()
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	return nil
}

// ReadFile loads rows back from a report written by WriteFile.
func ReadFile(path string) ([]proto.UsageRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report file: %w", err)
	}

	if strings.HasSuffix(path, ".zst") {
		zdec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		data, err = zdec.DecodeAll(data, nil)
		zdec.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress report: %w", err)
		}
	}

	var rows []proto.UsageRow
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var row proto.UsageRow
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
