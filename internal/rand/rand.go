// Package rand generates the short references that pair relay frames with
// the join they belong to.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// RefLength is long enough that two live joins on one connection never
// share a ref.
const RefLength = 16

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var source = newSource()

type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSource() *lockedSource {
	seed := make([]byte, 16)
	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}
	return &lockedSource{
		//nolint:gosec // refs are not secrets
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

func (s *lockedSource) fill(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(buf); i += 8 {
		var chunk [8]byte
		binary.LittleEndian.PutUint64(chunk[:], s.rng.Uint64())
		copy(buf[i:], chunk[:])
	}
}

// NewRef returns a random alphanumeric string of length n. The distribution
// is slightly biased towards the start of the charset.
func NewRef(n int) string {
	buf := make([]byte, n)
	source.fill(buf)

	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}
	return string(buf)
}
