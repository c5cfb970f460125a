package harvest

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/harvester/internal/predicate"
)

// Capability is the external bulk fetch service.
type Capability interface {
	BulkFetch(ctx context.Context, req FetchRequest) ([]Result, error)
}

// BulkFetcher wraps a Capability with dedup, retries and validation.
type BulkFetcher interface {
	Fetch(ctx context.Context, urls []string, opts FetchOptions) FetchOutcome
}

// Ledger is the durable queue plus results table for one queue.
type Ledger interface {
	SelectBatch(ctx context.Context, pred predicate.Predicate, limit int) ([]Identifier, error)
	Count(ctx context.Context, pred predicate.Predicate, visited VisitedFilter) (int, error)
	UpsertResults(ctx context.Context, results []Result) (UpsertReport, error)
	MarkVisited(ctx context.Context, ids []int64) (int, error)
}

// Seeder rebuilds a secondary queue from its source queue.
type Seeder interface {
	ReseedQueue(ctx context.Context, pred predicate.Predicate) (int, error)
	QueueExists(ctx context.Context) (bool, error)
	URLs(ctx context.Context) ([]string, error)
}

// Archiver moves raw markup out of results into blob storage.
type Archiver interface {
	Offload(ctx context.Context, results []Result) ([]Result, int)
}

// Processor is the optional downstream step run after each batch.
type Processor interface {
	Run(ctx context.Context, notice ProcessorNotice) ProcessorOutcome
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes batch notices to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and lease identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
