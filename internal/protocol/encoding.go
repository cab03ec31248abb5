package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// MaxDecodedSize 解压后的最大字节数，防止压缩炸弹
const MaxDecodedSize = 64 << 20

// DecodeError payload 解码失败
type DecodeError struct {
	Stage string // base64 / gzip / json
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload (%s): %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode JSON -> gzip -> base64
func Encode(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化快照失败: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("压缩快照失败: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("压缩快照失败: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode base64 -> gunzip，返回原始 JSON（不关心具体结构）
func Decode(s string) (json.RawMessage, error) {
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Stage: "base64", Err: err}
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &DecodeError{Stage: "gzip", Err: err}
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxDecodedSize+1))
	if err != nil {
		return nil, &DecodeError{Stage: "gzip", Err: err}
	}
	if len(raw) > MaxDecodedSize {
		return nil, &DecodeError{Stage: "gzip", Err: fmt.Errorf("payload exceeds %d bytes", MaxDecodedSize)}
	}

	if !json.Valid(raw) {
		return nil, &DecodeError{Stage: "json", Err: fmt.Errorf("invalid json document")}
	}
	return raw, nil
}

// DecodeSnapshot Encode 的逆过程，解码为单个快照
func DecodeSnapshot(s string) (*Snapshot, error) {
	raw, err := Decode(s)
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, &DecodeError{Stage: "json", Err: err}
	}
	return &snapshot, nil
}
