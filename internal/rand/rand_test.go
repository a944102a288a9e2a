package rand

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRef(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, RefLength, 33} {
		ref := NewRef(n)
		assert.Len(t, ref, n)
		for _, r := range ref {
			assert.True(t, strings.ContainsRune(charset, r), "unexpected rune %q", r)
		}
	}

	seen := make(map[string]bool)
	for range 1000 {
		ref := NewRef(RefLength)
		assert.False(t, seen[ref], "duplicate ref %s", ref)
		seen[ref] = true
	}
}

func BenchmarkNewRef(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewRef(RefLength)
	}
}
