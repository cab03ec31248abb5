package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		HostDetails: HostDetails{
			Hostname:       "h1",
			OS:             "Linux 6.8.0",
			Processor:      "x86_64",
			PhysicalCores:  4,
			LogicalCores:   8,
			RAMTotalGB:     15.52,
			RAMUsedGB:      7.1,
			RAMAvailableGB: 8.42,
			DiskTotalGB:    457.87,
			DiskUsedGB:     120.03,
			DiskFreeGB:     314.5,
		},
		SnapshotTime: "2024-01-01T00:00:00Z",
		Processes: []ProcessData{
			{PID: 1, PPID: 0, Name: "init", CPUPercent: 0.5, RSSBytes: 1000},
			{PID: 42, PPID: 1, Name: "sshd: root@pts/0", CPUPercent: 12.345678, RSSBytes: 734},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := map[string]Snapshot{
		"完整快照": sampleSnapshot(),
		"无进程": {
			HostDetails:  HostDetails{Hostname: "empty"},
			SnapshotTime: "2024-06-01T12:30:00.123456Z",
			Processes:    []ProcessData{},
		},
		"unicode 进程名": {
			HostDetails:  HostDetails{Hostname: "h-ü"},
			SnapshotTime: "2024-06-01T12:30:00",
			Processes:    []ProcessData{{PID: 7, Name: "进程-λ", CPUPercent: 1e-9}},
		},
	}

	for name, snapshot := range cases {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(snapshot)
			require.NoError(t, err)

			_, err = base64.StdEncoding.DecodeString(encoded)
			require.NoError(t, err, "编码结果应为标准 base64")

			decoded, err := DecodeSnapshot(encoded)
			require.NoError(t, err)
			assert.Equal(t, snapshot, *decoded)
		})
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	var notGzip = base64.StdEncoding.EncodeToString([]byte(`{"hostdetails":{}}`))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("not json at all"))
	require.NoError(t, zw.Close())
	notJSON := base64.StdEncoding.EncodeToString(buf.Bytes())

	tests := []struct {
		name  string
		input string
		stage string
	}{
		{"非 base64", "not-base64", "base64"},
		{"非 gzip", notGzip, "gzip"},
		{"非 json", notJSON, "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			require.Error(t, err)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.stage, decodeErr.Stage)
		})
	}
}

func TestDecodeAcceptsAnyJSONDocument(t *testing.T) {
	encoded, err := Encode([]map[string]string{{"a": "b"}})
	require.NoError(t, err)

	raw, err := Decode(encoded)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"a":"b"}]`, string(raw))
}
