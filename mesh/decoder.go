package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// DecodeCloudData decodes cloud payloads from various formats:
// - Raw JSON (starts with '{' after optional whitespace)
// - Zlib-compressed JSON
func DecodeCloudData(data []byte) (*CloudDocument, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	var jsonBytes []byte
	var err error

	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		jsonBytes = trimmed
	} else {
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not JSON or zlib-compressed")
		}
	}

	if len(jsonBytes) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}
	return ParseCloudJSON(jsonBytes)
}

// EncodeCloudData serializes a cloud document, zlib-compressing it when asked.
func EncodeCloudData(d *CloudDocument, compress bool) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling cloud: %w", err)
	}
	if !compress {
		return raw, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing cloud: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing cloud: %w", err)
	}
	return buf.Bytes(), nil
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}

// DecodeCloudFile reads and decodes a cloud file in any supported format
func DecodeCloudFile(path string) (*CloudDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return DecodeCloudData(data)
}
