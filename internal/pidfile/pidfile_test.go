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

package pidfile

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
)

func TestWriteRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "icslisten.pid")

	f, err := Write(path)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	pid, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	if f.Path() != path {
		t.Errorf("Path = %q", f.Path())
	}

	if err := f.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present: %v", err)
	}
	if err := f.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestRemove_KeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icslisten.pid")
	f, err := Write(path)
	if err != nil {
		t.Fatal(err)
	}
	// another instance took over the file
	if err := os.WriteFile(path, []byte("999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("foreign pid file removed: %v", err)
	}
}

func TestWrite_StaleAndRunning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process liveness is not probed on windows")
	}
	path := filepath.Join(t.TempDir(), "icslisten.pid")

	// a process that has exited
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run true: %v", err)
	}
	os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644)
	if _, err := Write(path); err != nil {
		t.Errorf("stale file not replaced: %v", err)
	}

	// the parent of the test binary is alive
	os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644)
	if _, err := Write(path); !errors.Is(err, ErrRunning) {
		t.Errorf("Write = %v, want ErrRunning", err)
	}
}

func TestRead_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	os.WriteFile(path, []byte("not a pid"), 0o644)
	if _, err := Read(path); err == nil {
		t.Error("expected error")
	}
}
