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

package walpush

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestWalpush(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "walpush Suite")
}

var _ = Describe("siblingReadySegments", func() {
	It("returns only the named segment when pool size is 1", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "0000000100000000000000AA")
		Expect(os.WriteFile(path, nil, 0o600)).To(Succeed())

		Expect(siblingReadySegments(path, 1)).To(Equal([]string{path}))
	})

	It("opportunistically adds later-named ready segments up to the pool size", func() {
		dir := GinkgoT().TempDir()
		names := []string{
			"0000000100000000000000AA",
			"0000000100000000000000AB",
			"0000000100000000000000AC",
			"0000000100000000000000AD",
		}
		for _, n := range names {
			Expect(os.WriteFile(filepath.Join(dir, n), nil, 0o600)).To(Succeed())
		}
		Expect(os.WriteFile(filepath.Join(dir, "0000000100000000000000AA.history"), nil, 0o600)).To(Succeed())

		got := siblingReadySegments(filepath.Join(dir, names[0]), 3)
		Expect(got).To(Equal([]string{
			filepath.Join(dir, names[0]),
			filepath.Join(dir, names[1]),
			filepath.Join(dir, names[2]),
		}))
	})
})
