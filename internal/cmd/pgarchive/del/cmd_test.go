/*
Copyright The CloudNativePG Contributors

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

package del

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestDel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "del Suite")
}

var _ = Describe("shouldExecute", func() {
	It("dry-runs by default", func() {
		Expect(shouldExecute(false, false)).To(BeFalse())
	})
	It("executes on --confirm alone", func() {
		Expect(shouldExecute(true, false)).To(BeTrue())
	})
	It("dry-runs when both --confirm and --dry-run are given", func() {
		Expect(shouldExecute(true, true)).To(BeFalse())
	})
	It("dry-runs on --dry-run alone", func() {
		Expect(shouldExecute(false, true)).To(BeFalse())
	})
})

var _ = Describe("NewCmd", func() {
	It("registers all four prune subcommands", func() {
		cmd := NewCmd()
		names := map[string]bool{}
		for _, c := range cmd.Commands() {
			names[c.Name()] = true
		}
		Expect(names).To(HaveKey("before"))
		Expect(names).To(HaveKey("retain"))
		Expect(names).To(HaveKey("old-versions"))
		Expect(names).To(HaveKey("everything"))
	})
})
