package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dushixiang/procmon/internal/protocol"
)

// ErrBadRequest 请求体无法识别或 payload 解码失败
var ErrBadRequest = errors.New("bad request")

// ShapeError 请求体结构错误
type ShapeError struct {
	Reason string
	Err    error
}

func (e *ShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ShapeError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrBadRequest
}

// Is 所有结构错误都视为 ErrBadRequest
func (e *ShapeError) Is(target error) bool {
	return target == ErrBadRequest
}

// Shape 请求体形态
type Shape int

const (
	ShapeCompressed Shape = iota + 1 // {"payload": "<base64>"}
	ShapeBatch                       // {"snapshot": [...]}
	ShapeSingle                      // {"hostdetails": {...}, "snapshot_time": ...}
)

func (s Shape) String() string {
	switch s {
	case ShapeCompressed:
		return "compressed"
	case ShapeBatch:
		return "batch"
	case ShapeSingle:
		return "single"
	default:
		return "unknown"
	}
}

// Envelope 解析后的请求体：形态 + 待校验的条目
type Envelope struct {
	Shape   Shape
	Entries []json.RawMessage
}

// ParseEnvelope 按顺序匹配请求体形态，第一个匹配的生效
func ParseEnvelope(body []byte) (*Envelope, error) {
	var object map[string]json.RawMessage
	if err := decodeJSON(body, &object); err != nil || object == nil {
		return nil, &ShapeError{Reason: "请求体必须是 JSON 对象", Err: err}
	}

	if payload, ok := object["payload"]; ok {
		var encoded string
		if err := json.Unmarshal(payload, &encoded); err != nil {
			return nil, &ShapeError{Reason: "payload 必须是字符串", Err: err}
		}
		raw, err := protocol.Decode(encoded)
		if err != nil {
			return nil, &ShapeError{Reason: "payload 解码失败", Err: err}
		}
		entries, err := payloadEntries(raw)
		if err != nil {
			return nil, err
		}
		return &Envelope{Shape: ShapeCompressed, Entries: entries}, nil
	}

	if batch, ok := object["snapshot"]; ok {
		if entries, ok := asList(batch); ok {
			return &Envelope{Shape: ShapeBatch, Entries: entries}, nil
		}
	}

	_, hasHost := object["hostdetails"]
	_, hasTime := object["snapshot_time"]
	if hasHost && hasTime {
		return &Envelope{Shape: ShapeSingle, Entries: []json.RawMessage{json.RawMessage(body)}}, nil
	}

	return nil, &ShapeError{Reason: "无法识别的请求体"}
}

// payloadEntries 解压后的内容：列表、{"snapshots": [...]} 或单个快照
func payloadEntries(raw json.RawMessage) ([]json.RawMessage, error) {
	if entries, ok := asList(raw); ok {
		return entries, nil
	}

	var object map[string]json.RawMessage
	if err := decodeJSON(raw, &object); err != nil || object == nil {
		return nil, &ShapeError{Reason: "不支持的 payload 内容"}
	}
	if snapshots, ok := object["snapshots"]; ok {
		if entries, ok := asList(snapshots); ok {
			return entries, nil
		}
	}
	return []json.RawMessage{raw}, nil
}

func asList(raw json.RawMessage) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func decodeJSON(data []byte, v interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("trailing data after json document")
	}
	return nil
}
