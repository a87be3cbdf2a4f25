package execution

import (
	"context"
	"sync"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/providers"
)

// BatchRequest pairs one chat request with its arbitration context.
type BatchRequest struct {
	Request providers.ChatRequest
	Context arbitration.Context
}

// BatchResult holds the outcome for the request at the same index.
type BatchResult struct {
	Response *Response
	Err      error
}

// ExecuteBatch runs the requests concurrently, at most batchConcurrency at a
// time, and returns results aligned with the input order. Individual failures
// land in their slot; the batch itself never fails.
func (p *Pipeline) ExecuteBatch(ctx context.Context, reqs []BatchRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup

	for i, br := range reqs {
		wg.Add(1)
		go func(i int, br BatchRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			resp, err := p.Execute(ctx, br.Request, br.Context)
			results[i] = BatchResult{Response: resp, Err: err}
		}(i, br)
	}
	wg.Wait()
	return results
}
