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

package templates_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/templates"
)

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		dir string
		cfg *config.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		cfg = config.Default()
		cfg.Templates.Path = dir
	})

	write := func(ids ...string) {
		entries := lo.Map(ids, func(id string, _ int) string {
			return fmt.Sprintf(`{"template_id": %q, "provider_api": "EC2Fleet", "image_id": "ami-1", "subnet_ids": ["subnet-1"], "max_instances": 5}`, id)
		})
		content := "[" + strings.Join(entries, ",") + "]"
		Expect(os.WriteFile(filepath.Join(dir, "templates.json"), []byte(content), 0o600)).To(Succeed())
	}

	newManager := func(cacheSvc cache.Service) *templates.Manager {
		loader := templates.NewLoader(zap.NewNop(), func() *config.Config { return cfg })
		return templates.NewManager(zap.NewNop(), loader, cacheSvc)
	}

	It("should serve the cached snapshot within the TTL window", func() {
		write("t1")
		manager := newManager(cache.NewTTL(time.Minute, time.Minute))

		set, err := manager.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(set.Len()).To(Equal(1))

		write("t1", "t2")
		set, err = manager.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(set.Len()).To(Equal(1))

		set, err = manager.Reload(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(set.Len()).To(Equal(2))
	})

	It("should read files fresh on every load without a cache", func() {
		write("t1")
		manager := newManager(nil)

		set, err := manager.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(set.Len()).To(Equal(1))

		write("t1", "t2")
		set, err = manager.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(set.Len()).To(Equal(2))
	})

	It("should get and list templates sorted by id", func() {
		write("t-b", "t-a")
		manager := newManager(nil)

		tmpl, err := manager.GetTemplate(ctx, "t-a")
		Expect(err).ToNot(HaveOccurred())
		Expect(tmpl.TemplateID).To(Equal("t-a"))

		list, err := manager.ListTemplates(ctx)
		Expect(err).ToNot(HaveOccurred())
		ids := lo.Map(list, func(t *v1.Template, _ int) string { return t.TemplateID })
		Expect(ids).To(Equal([]string{"t-a", "t-b"}))
	})

	It("should return not found for unknown template ids", func() {
		write("t1")
		manager := newManager(nil)

		_, err := manager.GetTemplate(ctx, "t-missing")
		Expect(errors.IsNotFoundKind(err)).To(BeTrue())
	})

	It("should report cache stats", func() {
		write("t1")
		manager := newManager(cache.NewTTL(time.Minute, time.Minute))

		_, err := manager.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		_, err = manager.Load(ctx)
		Expect(err).ToNot(HaveOccurred())

		stats := manager.CacheStats()
		Expect(stats.Hits).To(BeNumerically(">=", 1))
		Expect(stats.Entries).To(Equal(1))
	})
})
