// Package vectorstore holds the vector store collaborators used by the
// Context Retriever.
package vectorstore

import "context"

// Embedder turns text into a vector. The OpenAI integration satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
