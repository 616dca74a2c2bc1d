// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package services implements the reference functions and interfaces a
// nuclide-server binary exposes out of the box: a version probe, a
// file-session object for reading and watching remote files, and a
// line-tailing observable.
package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/sagarawasthi/nuclide/rpc"
)

// PollInterval is how often Watch and TailLines check the filesystem for
// changes. The corpus carries no filesystem-notification library, so this
// package polls on the standard library rather than reaching for one.
const PollInterval = 500 * time.Millisecond

// RegisterVersion registers the "Version" function, a promise<string>
// that returns version unconditionally. It exists so every client can
// confirm protocol compatibility immediately after connecting.
func RegisterVersion(registry *rpc.ServiceRegistry, version string) error {
	return registry.RegisterPromiseFunction("Version", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(version)
	})
}

// FileStat is the wire shape of FileSession.Stat's result.
type FileStat struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
}

// FileEvent is one value emitted by FileSession.Watch.
type FileEvent struct {
	Path string `json:"path"`
	Op   string `json:"op"` // "modified" | "removed"
}

// fileSession is the server-side target behind a FileSession proxy,
// rooted at a directory so that remote paths cannot escape it.
type fileSession struct {
	root string
}

type newFileSessionArgs struct {
	Root string `json:"root"`
}

// Declared argument types for the reference services' own calls, wired
// into schema validation at registration time (§4.5 step 3).
var (
	newFileSessionArgsType = reflect.TypeOf(newFileSessionArgs{})
	pathArgType            = reflect.TypeOf("")
	tailLinesArgsType      = reflect.TypeOf(tailLinesArgs{})
)

// RegisterFileSession registers the "FileSession" interface: a NewObject
// target with ReadFile, Stat and Watch methods (§3 "Remote Proxy" example,
// §10.4).
func RegisterFileSession(registry *rpc.ServiceRegistry) error {
	iface, err := registry.RegisterInterface("FileSession", func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("FileSession: expected 1 argument, got %d", len(args))
		}
		var a newFileSessionArgs
		if err := json.Unmarshal(args[0], &a); err != nil {
			return nil, fmt.Errorf("FileSession: decoding root: %w", err)
		}
		root, err := filepath.Abs(a.Root)
		if err != nil {
			return nil, fmt.Errorf("FileSession: resolving root %q: %w", a.Root, err)
		}
		return &fileSession{root: root}, nil
	}, newFileSessionArgsType)
	if err != nil {
		return err
	}

	iface.AddPromiseMethod("ReadFile", func(ctx context.Context, target any, args []json.RawMessage) (json.RawMessage, error) {
		path, err := decodeSinglePath(args)
		if err != nil {
			return nil, err
		}
		content, err := target.(*fileSession).readFile(path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(content)
	}, pathArgType)

	iface.AddPromiseMethod("Stat", func(ctx context.Context, target any, args []json.RawMessage) (json.RawMessage, error) {
		path, err := decodeSinglePath(args)
		if err != nil {
			return nil, err
		}
		stat, err := target.(*fileSession).stat(path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stat)
	}, pathArgType)

	iface.AddObservableMethod("Watch", func(ctx context.Context, target any, args []json.RawMessage, emit func(json.RawMessage)) error {
		fs := target.(*fileSession)
		path, err := decodeSinglePath(args)
		if err != nil {
			return err
		}
		full, err := fs.resolve(path)
		if err != nil {
			return err
		}
		return watchFile(ctx, full, path, emit)
	}, pathArgType)

	return nil
}

func (fs *fileSession) resolve(path string) (string, error) {
	full := filepath.Join(fs.root, path)
	rel, err := filepath.Rel(fs.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes FileSession root", path)
	}
	return full, nil
}

func (fs *fileSession) readFile(path string) (string, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("ReadFile %q: %w", path, err)
	}
	return string(data), nil
}

func (fs *fileSession) stat(path string) (FileStat, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return FileStat{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return FileStat{}, fmt.Errorf("Stat %q: %w", path, err)
	}
	return FileStat{Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func decodeSinglePath(args []json.RawMessage) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	var path string
	if err := json.Unmarshal(args[0], &path); err != nil {
		return "", fmt.Errorf("decoding path argument: %w", err)
	}
	return path, nil
}

// watchFile polls full for changes until ctx is done, emitting a
// FileEvent each time its mtime advances or it disappears.
func watchFile(ctx context.Context, full, reportedPath string, emit func(json.RawMessage)) error {
	var lastMod time.Time
	if info, err := os.Stat(full); err == nil {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(full)
			if err != nil {
				if os.IsNotExist(err) {
					data, _ := json.Marshal(FileEvent{Path: reportedPath, Op: "removed"})
					emit(data)
					return nil
				}
				return err
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				data, _ := json.Marshal(FileEvent{Path: reportedPath, Op: "modified"})
				emit(data)
			}
		}
	}
}

type tailLinesArgs struct {
	Path string `json:"path"`
}

// RegisterTailLines registers the "TailLines" function, an
// observable<string> that emits each line already in path and then every
// line subsequently appended to it, in the manner of `tail -f`. A last line
// without a trailing newline is emitted once its newline is appended. It is
// the canonical example of a long-lived observable call in this package's
// own tests.
func RegisterTailLines(registry *rpc.ServiceRegistry) error {
	return registry.RegisterObservableFunction("TailLines", func(ctx context.Context, args []json.RawMessage, emit func(json.RawMessage)) error {
		if len(args) != 1 {
			return fmt.Errorf("TailLines: expected 1 argument, got %d", len(args))
		}
		var a tailLinesArgs
		if err := json.Unmarshal(args[0], &a); err != nil {
			return fmt.Errorf("TailLines: decoding path: %w", err)
		}
		return tailLines(ctx, a.Path, emit)
	}, tailLinesArgsType)
}

func tailLines(ctx context.Context, path string, emit func(json.RawMessage)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("TailLines %q: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	emitLine := func(line string) {
		data, _ := json.Marshal(strings.TrimRight(line, "\n"))
		emit(data)
	}

	var partial string
	for {
		for {
			line, err := reader.ReadString('\n')
			if err == io.EOF {
				partial += line
				break
			}
			if err != nil {
				return fmt.Errorf("TailLines %q: %w", path, err)
			}
			emitLine(partial + line)
			partial = ""
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Notice truncation in place: if the current offset now
			// exceeds the file size, seek back to the start and reread.
			if info, err := f.Stat(); err == nil {
				if pos, perr := f.Seek(0, io.SeekCurrent); perr == nil && pos > info.Size() {
					if _, err := f.Seek(0, io.SeekStart); err == nil {
						reader = bufio.NewReader(f)
						partial = ""
					}
				}
			}
		}
	}
}
