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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"sigs.k8s.io/yaml"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// Load reads, parses and validates a configuration file. The format is chosen
// by extension: .json/.yaml/.yml or .toml. Values not present in the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfiguration(fmt.Sprintf("reading config file %s", path), err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes configuration bytes in the format named by ext.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".json", ".yaml", ".yml":
		// sigs.k8s.io/yaml routes through JSON so both formats share the json tags
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewConfiguration(fmt.Sprintf("parsing %s config", strings.TrimPrefix(ext, ".")), err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewConfiguration("parsing toml config", err)
		}
	default:
		return nil, errors.NewConfiguration(fmt.Sprintf("unsupported config format %q, use json, yaml or toml", ext), nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfiguration("validating config", err)
	}
	return cfg, nil
}
