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

package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestWorkerPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "workerpool Suite")
}

var _ = Describe("Pool", func() {
	It("runs all submitted tasks to completion when none fail", func() {
		pool := New(context.Background(), 4)
		var completed int64
		for i := 0; i < 20; i++ {
			pool.Submit(func(ctx context.Context) error {
				atomic.AddInt64(&completed, 1)
				return nil
			})
		}
		Expect(pool.Wait()).To(Succeed())
		Expect(completed).To(Equal(int64(20)))
	})

	It("never exceeds the configured concurrency degree", func() {
		pool := New(context.Background(), 3)
		var inFlight, maxInFlight int64
		for i := 0; i < 30; i++ {
			pool.Submit(func(ctx context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					old := atomic.LoadInt64(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt64(&maxInFlight, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}
		Expect(pool.Wait()).To(Succeed())
		Expect(maxInFlight).To(BeNumerically("<=", 3))
	})

	It("cancels sibling tasks on first failure and surfaces that error", func() {
		pool := New(context.Background(), 2)
		boom := errors.New("boom")
		var cancelledSiblings int64

		pool.Submit(func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return boom
		})
		for i := 0; i < 5; i++ {
			pool.Submit(func(ctx context.Context) error {
				<-ctx.Done()
				atomic.AddInt64(&cancelledSiblings, 1)
				return ctx.Err()
			})
		}

		err := pool.Wait()
		Expect(err).To(MatchError(boom))
		Expect(pool.Cancelled()).To(BeTrue())
	})
})
