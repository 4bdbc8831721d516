// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rapidgzip_test

import (
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/mxmlnkn/rapidgzip"
	"github.com/mxmlnkn/rapidgzip/internal"
)

func ExampleReader() {
	dir, err := os.MkdirTemp("", "rapidgzip-example")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	name := dir + "/data"
	if err := internal.CreateBzipFile(name, "-1", []byte("hello world\n")); err != nil {
		fmt.Println("hello world")
		return
	}
	buf, err := os.ReadFile(name + ".bz2")
	if err != nil {
		panic(err)
	}

	rd, err := rapidgzip.NewReader(context.Background(), bytes.NewReader(buf))
	if err != nil {
		panic(err)
	}
	io.Copy(os.Stdout, rd)
	// Output:
	// hello world
}

func bzip2Fixture(t *testing.T, data []byte) []byte {
	t.Helper()
	dir := t.TempDir()
	name := dir + "/data"
	if err := internal.CreateBzipFile(name, "-9", data); err != nil {
		t.Skipf("bzip2 CLI unavailable: %v", err)
	}
	buf, err := os.ReadFile(name + ".bz2")
	if err != nil {
		t.Fatalf("read compressed file: %v", err)
	}
	return buf
}

func TestReaderSizes(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"hello", len("hello world\n")},
		{"300KB", 300 * 1024},
		{"900KB", 900 * 1024},
		{"1033KB", 1033 * 1024},
	} {
		var want []byte
		if tc.name == "hello" {
			want = []byte("hello world\n")
		} else if tc.size > 0 {
			want = internal.GenPredictableRandomData(tc.size)
		}
		compressed := bzip2Fixture(t, want)

		for _, concurrency := range []int{1, 2, runtime.GOMAXPROCS(-1)} {
			rd, err := rapidgzip.NewReader(ctx, bytes.NewReader(compressed), rapidgzip.WithConcurrency(concurrency))
			if err != nil {
				t.Errorf("%v/%v: NewReader: %v", tc.name, concurrency, err)
				continue
			}
			got, err := io.ReadAll(rd)
			if err != nil {
				t.Errorf("%v/%v: ReadAll: %v", tc.name, concurrency, err)
				continue
			}
			if !bytes.Equal(got, want) {
				t.Errorf("%v/%v: got %v..., want %v...", tc.name, concurrency, internal.FirstN(10, got), internal.FirstN(10, want))
			}

			stdlibGot, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(compressed)))
			if err != nil {
				t.Errorf("%v: stdlib decode: %v", tc.name, err)
				continue
			}
			if !bytes.Equal(got, stdlibGot) {
				t.Errorf("%v/%v: disagrees with stdlib bzip2", tc.name, concurrency)
			}
			rd.Close()
		}
	}
}

func TestReaderCancelation(t *testing.T) {
	compressed := bzip2Fixture(t, internal.GenPredictableRandomData(1033*1024))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rd, err := rapidgzip.NewReader(ctx, bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	_, err = io.ReadAll(rd)
	if err == nil || !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("expected a context canceled error, got: %v", err)
	}
}

func TestReaderErrors(t *testing.T) {
	ctx := context.Background()

	testError := func(name string, buf []byte, wantErr string) {
		t.Helper()
		rd, err := rapidgzip.NewReader(ctx, bytes.NewReader(buf))
		if err == nil {
			_, err = io.ReadAll(rd)
		}
		if err == nil || !strings.Contains(err.Error(), wantErr) {
			t.Errorf("%v: got error %v, want one containing %q", name, err, wantErr)
		}
	}

	testError("empty input", nil, "too short")
	testError("too short", []byte{0x1, 0x1, 0x1}, "too short")
	testError("bad magic", []byte{0x1, 0x5a, 0x68, '9'}, "unrecognized magic")
	testError("non-digit block size", []byte{'B', 'Z', 'h', 'x'}, "unrecognized magic")

	compressed := bzip2Fixture(t, []byte("hello world\n"))

	corruptedCRC := append([]byte(nil), compressed...)
	corruptedCRC[len(corruptedCRC)-1] ^= 0xff
	testError("corrupted stream CRC", corruptedCRC, "mismatched stream CRCs")

	truncated := compressed[:len(compressed)-2]
	testError("truncated trailer", truncated, "failed to find trailer")
}

func TestReaderBadUnderlyingReader(t *testing.T) {
	ctx := context.Background()
	_, err := rapidgzip.NewReader(ctx, &errorReader{})
	if err == nil || !strings.Contains(err.Error(), "oops") {
		t.Errorf("expected an error containing %q, got: %v", "oops", err)
	}
}

type errorReader struct{}

func (er *errorReader) Read(buf []byte) (int, error) {
	return 0, fmt.Errorf("oops")
}
