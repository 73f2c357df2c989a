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

// Package templates loads machine template definitions from layered
// configuration files. Files merge by template id, field by field, with
// per-instance files overriding per-type files overriding the main file;
// configured defaults fold in underneath before validation. Loads produce
// immutable snapshots, so a reload never mutates templates already handed
// out.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

const (
	mainTemplatesFile  = "templates.json"
	templatesSuffix    = "_templates.json"
	providerTypeSuffix = "prov_templates.json"
)

// File priorities, low number wins. Files merge lowest priority first so a
// higher-priority file overrides field by field.
const (
	priorityInstance = 1
	priorityType     = 2
	priorityMain     = 3
	priorityLegacy   = 4
)

type sourceFile struct {
	path     string
	fileType string
	priority int
}

// Loader discovers and merges the template files under the configured
// directory.
type Loader struct {
	log    *zap.Logger
	source func() *config.Config
}

// NewLoader builds a loader over the live configuration. The source is read
// at every load, so configuration reloads change the directory, instance set
// and defaults on the next load without rebuilding the loader.
func NewLoader(log *zap.Logger, source func() *config.Config) *Loader {
	return &Loader{
		log:    log.Named("templates"),
		source: source,
	}
}

// Load reads every template file in priority order and returns the merged,
// defaulted, validated snapshot. Templates failing validation are dropped
// from the snapshot and reported through Set.Problems, so one bad definition
// never blocks the rest. A file that fails to parse fails the whole load.
func (l *Loader) Load(ctx context.Context) (*Set, error) {
	cfg := l.source()
	defaults := NewDefaultsService(cfg)
	files, err := l.discover(cfg)
	if err != nil {
		return nil, err
	}

	merged := map[string]map[string]interface{}{}
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := l.parseFile(src)
		if err != nil {
			return nil, err
		}
		for i, entry := range entries {
			id, _ := entry["template_id"].(string)
			if id == "" {
				return nil, errors.Newf(errors.KindConfiguration, "TEMPLATE_ID_MISSING",
					"template entry %d in %s has no template_id", i, filepath.Base(src.path))
			}
			dst, ok := merged[id]
			if !ok {
				dst = map[string]interface{}{}
				merged[id] = dst
			}
			overlay(dst, entry)
			dst["source_file"] = filepath.Base(src.path)
			dst["file_type"] = src.fileType
		}
	}

	set := &Set{
		byID:     map[string]*v1.Template{},
		invalid:  map[string]error{},
		loadedAt: time.Now(),
		files: lo.Map(files, func(f sourceFile, _ int) string {
			return filepath.Base(f.path)
		}),
	}
	for _, id := range lo.Keys(merged) {
		tmpl, err := decodeTemplate(defaults.Resolve(merged[id]))
		if err == nil {
			err = tmpl.Validate()
		}
		if err != nil {
			l.log.Warn("dropping invalid template",
				zap.String("template_id", id),
				zap.Error(err))
			set.invalid[id] = err
			continue
		}
		set.byID[tmpl.TemplateID] = tmpl
	}
	set.ordered = lo.Values(set.byID)
	sort.Slice(set.ordered, func(i, j int) bool {
		return set.ordered[i].TemplateID < set.ordered[j].TemplateID
	})
	return set, nil
}

// discover classifies the directory's template files by name. A missing
// directory reads as empty so a fresh install serves zero templates instead
// of failing. Template files that match no configured instance or type still
// load, classified legacy at the lowest priority.
func (l *Loader) discover(cfg *config.Config) ([]sourceFile, error) {
	dir := cfg.Templates.Path
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.Warn("template directory does not exist", zap.String("dir", dir))
			return nil, nil
		}
		return nil, errors.NewConfiguration(fmt.Sprintf("reading template directory %s", dir), err)
	}

	instanceNames := lo.Map(cfg.Provider.Providers, func(i config.ProviderInstanceConfig, _ int) string {
		return i.Name
	})
	typeNames := lo.Uniq(lo.Map(cfg.Provider.Providers, func(i config.ProviderInstanceConfig, _ int) string {
		return i.Type
	}))

	var files []sourceFile
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		src := sourceFile{path: filepath.Join(dir, name)}
		switch {
		case name == mainTemplatesFile:
			src.fileType, src.priority = v1.TemplateFileTypeMain, priorityMain
		case lo.Contains(instanceNames, strings.TrimSuffix(name, templatesSuffix)):
			src.fileType, src.priority = v1.TemplateFileTypeProviderInstance, priorityInstance
		case strings.HasSuffix(name, providerTypeSuffix) && lo.Contains(typeNames, strings.TrimSuffix(name, providerTypeSuffix)):
			src.fileType, src.priority = v1.TemplateFileTypeProviderType, priorityType
		case strings.HasSuffix(name, templatesSuffix):
			src.fileType, src.priority = v1.TemplateFileTypeLegacy, priorityLegacy
		default:
			continue
		}
		files = append(files, src)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].priority != files[j].priority {
			return files[i].priority > files[j].priority
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

func (l *Loader) parseFile(src sourceFile) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(src.path)
	if err != nil {
		return nil, errors.NewConfiguration(fmt.Sprintf("reading template file %s", src.path), err)
	}
	entries, err := decodeEntries(data)
	if err != nil {
		return nil, errors.NewConfiguration(fmt.Sprintf("parsing template file %s", filepath.Base(src.path)), err)
	}
	return entries, nil
}

// decodeEntries accepts the three file shapes: a list of template objects,
// an object map of template_id to template, and the wrapped form
// {"templates": [...]}. Map keys inject as template_id when the entry
// carries none.
func decodeEntries(data []byte) ([]map[string]interface{}, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return entryList(v)
	case map[string]interface{}:
		if list, ok := v["templates"].([]interface{}); ok && len(v) == 1 {
			return entryList(list)
		}
		ids := lo.Keys(v)
		sort.Strings(ids)
		out := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			entry, ok := v[id].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("template %q must be an object", id)
			}
			if s, _ := entry["template_id"].(string); s == "" {
				entry["template_id"] = id
			}
			out = append(out, entry)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("template file must be a list of templates or an object map")
	}
}

func entryList(list []interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("template entry %d must be an object", i)
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeTemplate(fields map[string]interface{}) (*v1.Template, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.NewConfiguration("encoding merged template", err)
	}
	tmpl := &v1.Template{}
	if err := json.Unmarshal(data, tmpl); err != nil {
		id, _ := fields["template_id"].(string)
		return nil, errors.NewConfiguration(fmt.Sprintf("decoding template %q", id), err)
	}
	return tmpl, nil
}

// Set is one immutable load result. Reloads build a new Set; consumers keep
// reading a consistent snapshot.
type Set struct {
	byID     map[string]*v1.Template
	ordered  []*v1.Template
	invalid  map[string]error
	loadedAt time.Time
	files    []string
}

func (s *Set) Get(id string) (*v1.Template, bool) {
	tmpl, ok := s.byID[id]
	return tmpl, ok
}

// All returns the templates sorted by id. Callers must not mutate the slice.
func (s *Set) All() []*v1.Template {
	return s.ordered
}

func (s *Set) Len() int {
	return len(s.byID)
}

func (s *Set) LoadedAt() time.Time {
	return s.loadedAt
}

// Files returns the file names that contributed, lowest priority first.
func (s *Set) Files() []string {
	return s.files
}

// Problems returns the validation failure per dropped template id.
func (s *Set) Problems() map[string]error {
	return s.invalid
}
