package tensor

import (
	"math/rand"

	"github.com/chewxy/math32"
)

// InitHeNormal fills t with samples from N(0, 2/fanIn), suitable for leaky ReLU networks
func InitHeNormal(t *Tensor, fanIn int, rng *rand.Rand) {
	std := math32.Sqrt(2 / float32(fanIn))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// InitUniform fills t with samples from U(-bound, bound), with bound = 1/sqrt(fanIn)
func InitUniform(t *Tensor, fanIn int, rng *rand.Rand) {
	bound := 1 / math32.Sqrt(float32(fanIn))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * bound
	}
}
