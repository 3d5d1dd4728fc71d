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

//go:build !windows

package logging

import (
	"io"
	"log/syslog"
	"os"
)

// OpenDaemonSink returns the destination for daemon-mode logs: the local
// syslog daemon when reachable, otherwise DaemonLogFile opened for append.
func OpenDaemonSink(tag string) (io.WriteCloser, error) {
	if w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag); err == nil {
		return w, nil
	}
	return os.OpenFile(DaemonLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
