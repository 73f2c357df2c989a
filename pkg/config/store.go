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

package config

import (
	"sync/atomic"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// Store holds the live configuration. Current hands out an immutable snapshot,
// so operations that read the config mid-flight keep the version they started
// with; Reload parses the source file again and swaps the snapshot atomically.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore seeds the store with cfg. The path is the file Reload re-reads;
// leave it empty for configurations that were never loaded from a file.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Current returns the live snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Path returns the file Reload reads from.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the source file, validates it, and swaps the snapshot. The
// previous snapshot stays live when loading fails.
func (s *Store) Reload() (*Config, error) {
	if s.path == "" {
		return nil, errors.New(errors.KindConfiguration, "CONFIG_PATH_UNSET",
			"configuration was not loaded from a file and cannot be reloaded")
	}
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	return cfg, nil
}
