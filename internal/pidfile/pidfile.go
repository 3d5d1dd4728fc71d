// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pidfile writes and removes the daemon PID file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned by Write when the file names a live process.
var ErrRunning = errors.New("pidfile: process already running")

// File is a written PID file.
type File struct {
	path string
	pid  int
}

// Write records the current process ID at path. A stale file left by a dead
// process is replaced.
func Write(path string) (*File, error) {
	if pid, err := Read(path); err == nil && pid != os.Getpid() && alive(pid) {
		return nil, fmt.Errorf("%w: pid %d in %s", ErrRunning, pid, path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create pid dir: %w", err)
		}
	}

	pid := os.Getpid()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &File{path: path, pid: pid}, nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile: malformed %s", path)
	}
	return pid, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Remove deletes the file if it still holds this process's PID.
func (f *File) Remove() error {
	if pid, err := Read(f.path); err != nil || pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
