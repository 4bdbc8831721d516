// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package rapidgzip_test

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/mxmlnkn/rapidgzip"
)

func gitcloneTestsuite(tmpdir string) error {
	opts := []string{"clone"}
	if runtime.GOOS == "windows" {
		opts = append(opts, "--config", "core.autocrlf=input")
	}
	opts = append(opts, "https://sourceware.org/git/bzip2-tests.git")
	cmd := exec.Command("git", opts...)
	cmd.Dir = tmpdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s: %v", strings.Join(cmd.Args, " "), out, err)
	}
	return nil
}

type testfile struct {
	filename string
	md5      string
	err      string
}

// lbzip2/concat.bz2 and commons-compress/multiple.bz2 are genuine
// concatenated multistream files; the chunk-fetcher Reader's on-demand
// "BZh" continuation check in finishBzip2Stream decodes these
// correctly, so they are no longer listed as exceptions here.
func getBzip2Files(tmpdir string) ([]testfile, error) {
	var exceptions = map[string]string{
		"lbzip2/gap.bz2":   "mismatched stream CRCs",
		"lbzip2/rand.bz2":  "deprecated randomized",
		"lbzip2/trash.bz2": "failed to find trailer",
	}

	files := map[string]bool{}
	sums := map[string]string{}
	err := filepath.Walk(tmpdir,
		func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if base := strings.TrimSuffix(info.Name(), ".bz2"); base != info.Name() {
				files[path] = true
			}
			if base := strings.TrimSuffix(info.Name(), ".md5"); base != info.Name() {
				buf, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				dirname := filepath.Dir(path)
				sums[filepath.Join(dirname, base+".bz2")] = strings.TrimSuffix(string(buf), "  -\n")
			}
			return nil
		})

	tldir := filepath.Join(tmpdir, "bzip2-tests") + string(filepath.Separator)

	pairs := make([]testfile, 0, len(files))
	for file := range files {
		err := exceptions[strings.TrimPrefix(file, tldir)]
		pairs = append(pairs, testfile{filename: file, err: err, md5: sums[file]})
	}
	return pairs, err
}

func TestBzip2Tests(t *testing.T) {
	ctx := context.Background()
	tmpdir := t.TempDir()

	if err := gitcloneTestsuite(tmpdir); err != nil {
		t.Skipf("bzip2-tests checkout unavailable: %v", err)
	}

	testcases, err := getBzip2Files(tmpdir)
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range testcases {
		bzfile, err := os.Open(tc.filename)
		if err != nil {
			t.Errorf("%v: %v", tc.filename, err)
			continue
		}
		rd, err := rapidgzip.NewReader(ctx, bzfile)
		if err != nil {
			if len(tc.err) > 0 && strings.Contains(err.Error(), tc.err) {
				continue
			}
			t.Errorf("%v: NewReader: %v", tc.filename, err)
			continue
		}
		h := md5.New()
		_, err = io.Copy(h, rd)
		if len(tc.err) > 0 {
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("%v: missing or wrong error: got %v: want one containing %v", tc.filename, err, tc.err)
			}
			continue
		} else if err != nil {
			t.Errorf("%v: %v", tc.filename, err)
			continue
		}
		if got, want := fmt.Sprintf("%02x", h.Sum(nil)), tc.md5; got != want {
			t.Errorf("%v: got %v, want %v", tc.filename, got, want)
		}
	}
}
