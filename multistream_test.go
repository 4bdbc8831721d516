// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rapidgzip_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mxmlnkn/rapidgzip"
	"github.com/mxmlnkn/rapidgzip/internal"
)

// bzipStream compresses data with the real bzip2 CLI at the given
// block size (1..9, hundreds of KiB) and returns the resulting bytes.
func bzipStream(t *testing.T, blockSize string, data []byte) []byte {
	t.Helper()
	dir := t.TempDir()
	name := filepath.Join(dir, "data")
	if err := internal.CreateBzipFile(name, blockSize, data); err != nil {
		t.Skipf("bzip2 CLI unavailable: %v", err)
	}
	buf, err := os.ReadFile(name + ".bz2")
	if err != nil {
		t.Fatalf("read compressed file: %v", err)
	}
	return buf
}

func concatStreams(streams ...[]byte) []byte {
	var out []byte
	for _, s := range streams {
		out = append(out, s...)
	}
	return out
}

func TestMultipleStreamsRead(t *testing.T) {
	ctx := context.Background()
	hello := []byte("hello, world\n")
	empty := bzipStream(t, "-1", nil)
	helloStream := bzipStream(t, "-1", hello)

	for i, tc := range []struct {
		parts [][]byte
		want  []byte
	}{
		{[][]byte{empty}, nil},
		{[][]byte{helloStream, empty}, hello},
		{[][]byte{empty, helloStream}, hello},
		{[][]byte{empty, empty, helloStream}, hello},
		{[][]byte{helloStream, empty, empty, helloStream}, concatStreams(hello, hello)},
		{[][]byte{helloStream, helloStream}, concatStreams(hello, hello)},
	} {
		compressed := concatStreams(tc.parts...)
		rd, err := rapidgzip.NewReader(ctx, bytes.NewReader(compressed))
		if err != nil {
			t.Errorf("%v: NewReader: %v", i, err)
			continue
		}
		out := &bytes.Buffer{}
		if _, err := io.Copy(out, rd); err != nil {
			t.Errorf("%v: copy: %v", i, err)
			continue
		}
		if got, want := out.Bytes(), tc.want; !bytes.Equal(got, want) {
			t.Errorf("%v: got %q, want %q", i, got, want)
		}
	}
}

func TestMultipleStreamErrors(t *testing.T) {
	ctx := context.Background()
	hello := []byte("hello, world\n")
	helloStream := bzipStream(t, "-1", hello)
	empty := bzipStream(t, "-1", nil)

	corruptedStreamCRC := concatStreams(helloStream, empty)
	// The stream-level CRC sits in the 4 bytes immediately preceding the
	// concatenated second stream's "BZh" header.
	crcOffset := len(helloStream) - 4
	corruptedStreamCRC[crcOffset] ^= 0xff

	truncated := helloStream[:len(helloStream)-2]

	for i, tc := range []struct {
		compressed []byte
		wantErr    string
	}{
		{corruptedStreamCRC, "mismatched stream CRCs"},
		{truncated, "failed to find trailer"},
	} {
		rd, err := rapidgzip.NewReader(ctx, bytes.NewReader(tc.compressed))
		if err != nil {
			t.Errorf("%v: NewReader: %v", i, err)
			continue
		}
		_, err = io.Copy(io.Discard, rd)
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%v: got error %v, want one containing %q", i, err, tc.wantErr)
		}
	}
}
