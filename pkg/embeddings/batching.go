package embeddings

import "fmt"

// Batch is a contiguous slice of the input documents that fits the provider's
// chunk and token caps.
type Batch struct {
	Start int
	Docs  []string
}

// Plan is the batching decision for one EmbedDocuments call. Oversize maps
// input indexes to the per-document error for chunks that can never fit a
// request on their own; they are excluded from every batch.
type Plan struct {
	Batches  []Batch
	Oversize map[int]*ChunkError
}

// PlanBatches splits documents into provider-sized requests. maxChunks must
// be positive; maxTokens of 0 disables token budgeting (tok may then be nil).
// Order is preserved: concatenating the batches and re-inserting the
// oversize entries reproduces the input order.
func PlanBatches(documents []string, maxChunks, maxTokens int, tok Tokenizer) Plan {
	if maxChunks < 1 {
		maxChunks = 1
	}

	plan := Plan{Oversize: map[int]*ChunkError{}}

	var cur Batch
	curTokens := 0
	flush := func() {
		if len(cur.Docs) > 0 {
			plan.Batches = append(plan.Batches, cur)
		}
		cur = Batch{}
		curTokens = 0
	}

	for i, doc := range documents {
		tokens := 0
		if maxTokens > 0 {
			tokens = tok.CountTokens(doc)
			if tokens > maxTokens {
				plan.Oversize[i] = &ChunkError{
					Reason: "oversized_chunk",
					Detail: fmt.Sprintf("chunk is %d tokens, provider accepts at most %d per request", tokens, maxTokens),
				}
				continue
			}
		}

		if len(cur.Docs) >= maxChunks || (maxTokens > 0 && curTokens+tokens > maxTokens) {
			flush()
		}
		if len(cur.Docs) == 0 {
			cur.Start = i
		}
		cur.Docs = append(cur.Docs, doc)
		curTokens += tokens
	}
	flush()

	return plan
}

// EmbedInBatches runs call per planned batch and reassembles the per-document
// results in input order, oversize errors included. It is the shared
// EmbedDocuments backbone for the provider adapters.
func EmbedInBatches(documents []string, plan Plan, call func(batch []string) ([]Result, error)) ([]Result, error) {
	out := make([]Result, len(documents))
	for i, cerr := range plan.Oversize {
		out[i] = Result{Err: cerr}
	}

	for _, b := range plan.Batches {
		results, err := call(b.Docs)
		if err != nil {
			return nil, err
		}
		if len(results) != len(b.Docs) {
			return nil, fmt.Errorf("provider returned %d embeddings for %d documents", len(results), len(b.Docs))
		}
		// Batch results land back at their original offsets, but a call may
		// interleave its own per-document errors (e.g. context-length splits).
		pos := b.Start
		for _, r := range results {
			for out[pos].Err != nil {
				pos++
			}
			out[pos] = r
			pos++
		}
	}
	return out, nil
}
