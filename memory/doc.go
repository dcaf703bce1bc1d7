// Package memory provides semantic retrieval of prior customer interactions.
//
// The package is split the same way the surrounding system is:
//   - Index: persistent approximate-nearest-neighbour search over versioned vectors
//   - Embedder: text-to-vector conversion behind a fixed, versioned function
//   - Retriever: the context retrieval engine that ranks candidates and
//     renders a bounded context blob for a downstream response generator
//
// Implementations:
//   - store/chromem: chromem-go collection per embedding version
//   - embedder/mock: deterministic hashed bag-of-words (tests, offline demos)
//   - embedder/onnx: all-MiniLM-L6-v2 via ONNX Runtime (build tag "onnx")
//   - embedder/openai: OpenAI embeddings API
//   - embedder/cached: ristretto cache in front of any Embedder
//
// Retrieval never fails because the embedding function is down: the
// similarity factor drops to zero and the result is flagged Degraded.
package memory
