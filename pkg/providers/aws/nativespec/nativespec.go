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

// Package nativespec renders operator-supplied vendor-exact JSON payloads.
// Specs are Go text templates with the sprig function set; bound variables
// are reachable both as bare identifiers ({{ request_id }}) and as fields of
// the data document ({{ .request_id }}). A mis-typed or unclosed expression
// is a hard error at render time, never at registration.
package nativespec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	"dario.cat/mergo"
	sprig "github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// Vars is the variable set bound into a spec render.
type Vars map[string]interface{}

// Option configures the service.
type Option func(*Service)

// WithBaseDir sets the directory spec file references resolve against.
func WithBaseDir(dir string) Option {
	return func(s *Service) { s.baseDir = dir }
}

// WithPackageInfo sets the package_name and package_version variables.
func WithPackageInfo(name, version string) Option {
	return func(s *Service) {
		s.packageName = name
		s.packageVersion = version
	}
}

// Service renders native provider-API and launch-template specs. When
// disabled every render returns nil and handlers fall back to their default
// request construction.
type Service struct {
	log            *zap.Logger
	enabled        bool
	baseDir        string
	packageName    string
	packageVersion string
}

func NewService(log *zap.Logger, enabled bool, opts ...Option) *Service {
	s := &Service{
		log:            log.Named("nativespec"),
		enabled:        enabled,
		packageName:    "hostfactory",
		packageVersion: "unknown",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Enabled() bool { return s.enabled }

// Render returns the rendered provider API spec, or nil when the template
// declares none or the service is disabled.
func (s *Service) Render(tmpl *v1.Template, request *v1.Request, extra Vars) (json.RawMessage, error) {
	if !s.enabled || tmpl.AWS == nil {
		return nil, nil
	}
	raw, err := s.load(tmpl.AWS.ProviderAPISpec, tmpl.AWS.ProviderAPISpecFile)
	if err != nil || raw == nil {
		return nil, err
	}
	return s.render(raw, s.bind(tmpl, request, extra))
}

// RenderWithMerge renders the provider API spec and overlays
// handler-computed keys on top. Handler keys win; everything else the
// operator rendered survives. Output key order is canonical so identical
// inputs produce identical documents.
func (s *Service) RenderWithMerge(tmpl *v1.Template, request *v1.Request, extra Vars, overrides map[string]interface{}) (json.RawMessage, error) {
	rendered, err := s.Render(tmpl, request, extra)
	if err != nil || rendered == nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rendered, &doc); err != nil {
		return nil, errors.NewConfiguration(
			fmt.Sprintf("native spec for template %q must render a JSON object", tmpl.TemplateID), err)
	}
	if err := mergo.Merge(&doc, overrides, mergo.WithOverride); err != nil {
		return nil, errors.NewConfiguration(
			fmt.Sprintf("merging computed values into native spec for template %q", tmpl.TemplateID), err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.NewConfiguration(
			fmt.Sprintf("encoding merged native spec for template %q", tmpl.TemplateID), err)
	}
	return out, nil
}

// RenderLaunchTemplateSpec renders the operator's launch template data
// document, or nil when the template declares none or the service is
// disabled.
func (s *Service) RenderLaunchTemplateSpec(tmpl *v1.Template, request *v1.Request, extra Vars) (json.RawMessage, error) {
	if !s.enabled || tmpl.AWS == nil {
		return nil, nil
	}
	raw, err := s.load(tmpl.AWS.LaunchTemplateSpec, tmpl.AWS.LaunchTemplateSpecFile)
	if err != nil || raw == nil {
		return nil, err
	}
	return s.render(raw, s.bind(tmpl, request, extra))
}

// bind builds the complete variable set for one render. Handler-known
// values in extra override nothing; they fill the names only handlers can
// know (asg_name, launch_template_id, launch_template_version, computed
// capacity and tag contexts).
func (s *Service) bind(tmpl *v1.Template, request *v1.Request, extra Vars) Vars {
	vars := Vars{
		"request_id":      request.RequestID,
		"requested_count": request.MachineCount,
		"template_id":     tmpl.TemplateID,
		"image_id":        tmpl.ImageID,
		"instance_type":   tmpl.InstanceType,
		"package_name":    s.packageName,
		"package_version": s.packageVersion,
	}
	for name, value := range extra {
		vars[name] = value
	}
	return vars
}

func (s *Service) load(inline json.RawMessage, file string) ([]byte, error) {
	if len(inline) > 0 {
		return inline, nil
	}
	if file == "" {
		return nil, nil
	}
	path := file
	if !filepath.IsAbs(path) && s.baseDir != "" {
		path = filepath.Join(s.baseDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfiguration(fmt.Sprintf("loading native spec file %q", path), err)
	}
	return raw, nil
}

func (s *Service) render(raw []byte, vars Vars) (json.RawMessage, error) {
	funcs := sprig.TxtFuncMap()
	for name, value := range vars {
		value := value
		funcs[name] = func() interface{} { return value }
	}
	parsed, err := template.New("spec").Funcs(funcs).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, errors.NewConfiguration("parsing native spec", err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, map[string]interface{}(vars)); err != nil {
		return nil, errors.NewConfiguration("rendering native spec", err)
	}
	var doc interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		return nil, errors.NewConfiguration("native spec did not render valid JSON", err)
	}
	return buf.Bytes(), nil
}

// CoerceNumericStrings rewrites string values under the named keys into
// numbers, recursing through nested objects and arrays. Scheduler-supplied
// counts render as strings inside operator specs; the vendor wire types want
// them numeric.
func CoerceNumericStrings(doc map[string]interface{}, keys ...string) {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	coerceValue(doc, keySet)
}

func coerceValue(value interface{}, keys map[string]struct{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for k, v := range typed {
			if _, ok := keys[k]; ok {
				if raw, isString := v.(string); isString {
					if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
						typed[k] = n
						continue
					}
					if f, err := strconv.ParseFloat(raw, 64); err == nil {
						typed[k] = f
						continue
					}
				}
			}
			coerceValue(v, keys)
		}
	case []interface{}:
		for i := 0; i < len(typed); i++ {
			coerceValue(typed[i], keys)
		}
	}
}
