// Package embedtest provides deterministic embedders for tests.
package embedtest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/synthia-ai/synthia/internal/embeddings"
)

// ErrDown is returned by Failing.
var ErrDown = errors.New("embedding provider down")

// BagOfWords returns an embedder that hashes lowercased word stems into a
// vector of the given size. Texts sharing words score high.
func BagOfWords(dim int) embeddings.Embedder {
	return embeddings.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			w = strings.TrimSuffix(w, "s")
			h := fnv.New32a()
			h.Write([]byte(w))
			vec[h.Sum32()%uint32(dim)]++
		}
		return vec, nil
	})
}

// Fixed returns an embedder that maps known texts to fixed vectors and
// fails for anything else.
func Fixed(vectors map[string][]float32) embeddings.Embedder {
	return embeddings.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		v, ok := vectors[text]
		if !ok {
			return nil, errors.New("no vector for " + text)
		}
		return v, nil
	})
}

// Failing returns an embedder that always fails with ErrDown.
func Failing() embeddings.Embedder {
	return embeddings.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, ErrDown
	})
}
