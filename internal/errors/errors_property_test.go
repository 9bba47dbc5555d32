//go:build property

package errors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestErrorCollectorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(2468)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent addition never loses warnings under an unbounded limit", prop.ForAll(
		func(goroutineCount int, perGoroutine int) bool {
			collector := NewErrorCollector(0)

			var wg sync.WaitGroup
			for g := 0; g < goroutineCount; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for i := 0; i < perGoroutine; i++ {
						collector.Add(Warning{Commit: fmt.Sprintf("%d-%d", id, i), Op: "skip"})
					}
				}(g)
			}
			wg.Wait()

			return len(collector.GetWarnings()) == goroutineCount*perGoroutine
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 20),
	))

	properties.Property("bounded collector keeps the newest warnings", prop.ForAll(
		func(limit int, total int) bool {
			collector := NewErrorCollector(limit)
			for i := 0; i < total; i++ {
				collector.Add(Warning{Commit: fmt.Sprintf("c%d", i), Op: "order"})
			}

			warnings := collector.GetWarnings()
			expected := total
			if total > limit {
				expected = limit
			}
			if len(warnings) != expected {
				return false
			}
			if expected == 0 {
				return true
			}
			return warnings[len(warnings)-1].Commit == fmt.Sprintf("c%d", total-1)
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
