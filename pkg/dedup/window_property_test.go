//go:build property
// +build property

package dedup_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/dedup"
)

// Property: the window never holds more than its capacity and always remembers the
// most recent distinct fingerprints.
func TestWindowBoundedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("window keeps the newest distinct fingerprints", prop.ForAll(
		func(capacity int, ids []int) bool {
			w := dedup.NewWindow(capacity)
			var inserted []canonicalize.Fingerprint
			for _, id := range ids {
				f := canonicalize.Of([]byte(fmt.Sprintf("%d", id)))
				if !w.SeenOrRecord(f) {
					inserted = append(inserted, f)
				}
			}
			if w.Len() > capacity {
				return false
			}
			start := len(inserted) - capacity
			if start < 0 {
				start = 0
			}
			for _, f := range inserted[start:] {
				if !w.Seen(f) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.TestingRun(t)
}
