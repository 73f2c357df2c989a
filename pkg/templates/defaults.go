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
	"strings"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
)

// DefaultsService folds configured field defaults underneath a template's
// explicit fields. Three layers apply, weakest first: the global template
// block, the provider type's template_defaults, and the provider instance's
// template_defaults. An explicit template field always wins, whatever its
// value; a null in any layer never clears a weaker one.
type DefaultsService struct {
	global    map[string]interface{}
	types     map[string]map[string]interface{}
	instances map[string]config.ProviderInstanceConfig
	active    string
}

func NewDefaultsService(cfg *config.Config) *DefaultsService {
	d := &DefaultsService{
		global:    cfg.Template,
		types:     map[string]map[string]interface{}{},
		instances: map[string]config.ProviderInstanceConfig{},
		active:    cfg.Provider.ActiveProvider,
	}
	for typ, defs := range cfg.ProviderDefaults {
		d.types[typ] = defs.TemplateDefaults
	}
	for _, inst := range cfg.Provider.Providers {
		d.instances[inst.Name] = inst
	}
	return d
}

// Resolve returns the template fields with defaults folded in and the
// provider binding stamped. The owning instance is the template's explicit
// provider_name, else the instance whose file defined it, else the active
// provider.
func (d *DefaultsService) Resolve(fields map[string]interface{}) map[string]interface{} {
	instance, providerType := d.binding(fields)

	out := map[string]interface{}{}
	overlay(out, d.global)
	if providerType != "" {
		overlay(out, d.types[providerType])
	}
	if instance != nil {
		overlay(out, instance.TemplateDefaults)
	}
	overlay(out, fields)

	if name, _ := out["provider_name"].(string); name == "" && instance != nil {
		out["provider_name"] = instance.Name
	}
	if typ, _ := out["provider_type"].(string); typ == "" && providerType != "" {
		out["provider_type"] = providerType
	}
	return out
}

func (d *DefaultsService) binding(fields map[string]interface{}) (*config.ProviderInstanceConfig, string) {
	name, _ := fields["provider_name"].(string)
	sourceFile, _ := fields["source_file"].(string)
	fileType, _ := fields["file_type"].(string)

	if name == "" && fileType == v1.TemplateFileTypeProviderInstance {
		name = strings.TrimSuffix(sourceFile, templatesSuffix)
	}
	if name == "" {
		name = d.active
	}
	if inst, ok := d.instances[name]; ok {
		return &inst, inst.Type
	}

	// No configured instance; a provider type can still contribute defaults.
	if typ, _ := fields["provider_type"].(string); typ != "" {
		return nil, typ
	}
	if fileType == v1.TemplateFileTypeProviderType {
		return nil, strings.TrimSuffix(sourceFile, providerTypeSuffix)
	}
	return nil, ""
}

// overlay copies non-null fields of src onto dst, merging nested objects
// field by field. Nested maps are deep-copied so layers never alias each
// other's storage.
func overlay(dst, src map[string]interface{}) {
	for key, value := range src {
		if value == nil {
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			existing, ok := dst[key].(map[string]interface{})
			if !ok {
				existing = map[string]interface{}{}
				dst[key] = existing
			}
			overlay(existing, nested)
			continue
		}
		dst[key] = value
	}
}
