/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package templates

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher invokes onChange when JSON files under the template directory
// change. Editors and deploy tooling rewrite several files in quick
// succession, so events debounce into one onChange call per quiet window.
type Watcher struct {
	log      *zap.Logger
	dir      string
	debounce time.Duration
	onChange func(ctx context.Context)
}

func NewWatcher(log *zap.Logger, dir string, debounce time.Duration, onChange func(ctx context.Context)) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		log:      log.Named("template-watcher"),
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewConfiguration("starting template watcher", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return errors.NewConfiguration(fmt.Sprintf("watching template directory %s", w.dir), err)
	}
	w.log.Info("watching template directory",
		zap.String("dir", w.dir),
		zap.Duration("debounce", w.debounce))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			w.log.Debug("template file changed",
				zap.String("file", filepath.Base(event.Name)),
				zap.String("op", event.Op.String()))
			pending = time.After(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("template watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.onChange(ctx)
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	return filepath.Ext(event.Name) == ".json"
}
