package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider is an offline provider that hashes character bigrams into a
// fixed number of buckets and L2-normalizes the result. Texts sharing many
// bigrams score a high cosine; it needs no network and is deterministic.
type HashProvider struct {
	dimension int
}

func NewHashProvider(dimension int) *HashProvider {
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, providerError(KindLocal, err)
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *HashProvider) vector(text string) []float32 {
	v := make([]float32, p.dimension)
	runes := []rune(strings.ToLower(text))
	runes = trimSpaceRunes(runes)
	if len(runes) == 0 {
		return v
	}
	if len(runes) == 1 {
		v[bucket(string(runes), p.dimension)] = 1
		return v
	}
	for i := 0; i+1 < len(runes); i++ {
		if unicode.IsSpace(runes[i]) && unicode.IsSpace(runes[i+1]) {
			continue
		}
		v[bucket(string(runes[i:i+2]), p.dimension)]++
	}

	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

func bucket(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

func trimSpaceRunes(r []rune) []rune {
	for len(r) > 0 && unicode.IsSpace(r[0]) {
		r = r[1:]
	}
	for len(r) > 0 && unicode.IsSpace(r[len(r)-1]) {
		r = r[:len(r)-1]
	}
	return r
}
