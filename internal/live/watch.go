// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package live

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/Kanma/astrophoto-toolbox/internal/logging"
)

// WatchFolder watches dir for newly created .fits/.fit files and feeds each
// one to AddLightFrame, so a caller driving a live capture session doesn't
// have to poll the filesystem itself. The returned watcher stays running
// until the caller closes it.
func (o *Orchestrator) WatchFolder(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == 0 {
					continue
				}
				ext := strings.ToLower(filepath.Ext(event.Name))
				if ext != ".fits" && ext != ".fit" {
					continue
				}
				if err := o.AddLightFrame(event.Name); err != nil {
					logging.Structured().Error("live: failed to add watched light frame", "path", event.Name, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Structured().Error("live: filesystem watch error", "error", err)
			}
		}
	}()

	return w, nil
}
