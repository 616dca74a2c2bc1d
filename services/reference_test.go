// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/sagarawasthi/nuclide/rpc"
)

func TestRegisterVersion(t *testing.T) {
	reg := rpc.NewServiceRegistry()
	if err := RegisterVersion(reg, "1.2.3"); err != nil {
		t.Fatalf("RegisterVersion: %v", err)
	}
	// RegisterVersion must reject a second registration under the same name.
	if err := RegisterVersion(reg, "1.2.3"); err == nil {
		t.Fatal("second RegisterVersion succeeded, want duplicate registration error")
	}
}

func TestFileSessionReadFileAndStat(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := rpc.NewServiceRegistry()
	if err := RegisterFileSession(reg); err != nil {
		t.Fatalf("RegisterFileSession: %v", err)
	}

	fs := &fileSession{root: dir}

	content, err := fs.readFile("greeting.txt")
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if content != "hello" {
		t.Errorf("readFile content = %q, want %q", content, "hello")
	}

	stat, err := fs.stat("greeting.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stat.Size != 5 || stat.IsDir {
		t.Errorf("stat = %+v, want size=5 isDir=false", stat)
	}
}

func TestFileSessionResolveRejectsEscape(t *testing.T) {
	fs := &fileSession{root: "/tmp/sandbox"}
	if _, err := fs.resolve("../../etc/passwd"); err == nil {
		t.Error("resolve(\"../../etc/passwd\") succeeded, want escape rejected")
	}
}

func TestTailLinesEmitsExistingAndAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte("first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	done := make(chan error, 1)
	go func() {
		done <- tailLines(ctx, path, func(data json.RawMessage) {
			var line string
			json.Unmarshal(data, &line)
			got = append(got, line)
		})
	}()

	// Give the first pass a moment to emit "first", then append a second line.
	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("second\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	time.Sleep(PollInterval + 200*time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("tailLines: %v", err)
	}

	if len(got) < 2 || got[0] != "first" || got[len(got)-1] != "second" {
		t.Errorf("tailLines emitted %v, want it to include first then second", got)
	}
}
