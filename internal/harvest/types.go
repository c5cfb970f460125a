package harvest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/harvester/internal/predicate"
)

// Identifier is a queued URL awaiting fetch.
type Identifier struct {
	ID               int64
	URL              string
	SourceTag        string
	LastModifiedHint string
	ParentID         *int64
}

// Entry is a discovered URL ready to be inserted into a queue.
type Entry struct {
	URL              string
	SourceTag        string
	LastModifiedHint string
}

// Result is the content record produced by the fetch capability for one URL.
type Result struct {
	SourceID      string
	URL           string
	Domain        string
	Timestamp     int64
	SearchBatchID string
	SearchType    string
	TextContent   string
	HTMLContent   string
	HTMLBlobURI   string
	InternalLinks []string
	ExternalLinks []string
	LatencyMs     int64
	Complete      bool
	CreatedAt     int64
	FetchedAt     time.Time
}

var (
	// ErrInvalidResult marks a result the capability returned in unusable shape.
	ErrInvalidResult = errors.New("invalid result")
	// ErrInvalidPredicate is returned for predicates outside the column and
	// operator whitelist.
	ErrInvalidPredicate = predicate.ErrInvalid
	// ErrUnknownQueue is returned when a queue's tables have not been created.
	ErrUnknownQueue = errors.New("unknown queue")
)

// Validate rejects results that cannot be matched back to an identifier.
func (r Result) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidResult)
	}
	if r.LatencyMs < 0 {
		return fmt.Errorf("%w: negative latency for %s", ErrInvalidResult, r.URL)
	}
	return nil
}

// VisitedFilter narrows a selection by checkpoint state.
type VisitedFilter int

const (
	// VisitedAny ignores the visited flag.
	VisitedAny VisitedFilter = iota
	// VisitedOnly matches identifiers already checkpointed.
	VisitedOnly
	// UnvisitedOnly matches identifiers still pending.
	UnvisitedOnly
)

// String implements fmt.Stringer.
func (f VisitedFilter) String() string {
	switch f {
	case VisitedOnly:
		return "visited"
	case UnvisitedOnly:
		return "unvisited"
	default:
		return "any"
	}
}

// CheckpointPolicy controls which selected identifiers are marked visited
// after a batch.
type CheckpointPolicy string

const (
	// CheckpointAll marks every selected identifier, even ones the capability
	// returned nothing for.
	CheckpointAll CheckpointPolicy = "all"
	// CheckpointReturned leaves the whole batch unvisited when the fetch
	// failed outright, so it is selected again on the next run.
	CheckpointReturned CheckpointPolicy = "returned"
)

// ParseCheckpointPolicy maps configuration text onto a policy.
func ParseCheckpointPolicy(raw string) (CheckpointPolicy, error) {
	switch CheckpointPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CheckpointAll:
		return CheckpointAll, nil
	case CheckpointReturned:
		return CheckpointReturned, nil
	default:
		return "", fmt.Errorf("unknown checkpoint policy %q", raw)
	}
}

// FetchRequest is a single call to the bulk fetch capability.
type FetchRequest struct {
	URLs        []string
	WaitHint    time.Duration
	ExtractHTML bool
}

// FetchOptions tunes a single bulk fetch through the retrying client.
type FetchOptions struct {
	WaitHint    time.Duration
	ExtractHTML *bool
}

// FetchOutcome summarizes one bulk fetch. Err is set when every attempt
// failed; Results may be empty without Err when the capability returned
// nothing usable.
type FetchOutcome struct {
	Results     []Result
	Attempted   int
	Attempts    int
	Invalid     int
	WaitHint    time.Duration
	ExtractHTML bool
	Duration    time.Duration
	Err         error
}

// BatchResult is the accounting for one select, fetch, persist, checkpoint cycle.
type BatchResult struct {
	Attempted  int
	Returned   int
	Saved      int
	Visited    int
	Missing    int
	Unresolved int
	Archived   int
	FetchErr   error
	PersistErr error
}

// Err returns the first error recorded on the batch.
func (b BatchResult) Err() error {
	if b.FetchErr != nil {
		return b.FetchErr
	}
	return b.PersistErr
}

// UpsertReport accounts for one results write. Unresolved results had no
// matching identifier; Failed ones were rejected by the backend.
type UpsertReport struct {
	Saved      int
	Unresolved int
	Failed     int
}

// Progress is the visited/total view of a selection.
type Progress struct {
	Total     int
	Visited   int
	Remaining int
}

// Percent returns the visited share of the selection, 0 when empty.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Visited) / float64(p.Total) * 100
}

// String renders the progress the way operators read it on the terminal.
func (p Progress) String() string {
	return fmt.Sprintf("%d left of %d (%d done, %.1f%%)", p.Remaining, p.Total, p.Visited, p.Percent())
}

// SourceStats breaks queue totals down by source tag.
type SourceStats struct {
	SourceTag string `json:"source_tag" yaml:"source_tag"`
	Visited   int    `json:"visited" yaml:"visited"`
	Unvisited int    `json:"unvisited" yaml:"unvisited"`
}

// Stats summarizes a queue and its results table.
type Stats struct {
	Queue           string        `json:"queue" yaml:"queue"`
	Total           int           `json:"total" yaml:"total"`
	Visited         int           `json:"visited" yaml:"visited"`
	Unvisited       int           `json:"unvisited" yaml:"unvisited"`
	BySource        []SourceStats `json:"by_source" yaml:"by_source"`
	Results         int           `json:"results" yaml:"results"`
	CompleteResults int           `json:"complete_results" yaml:"complete_results"`
}

// ProcessorNotice describes a finished batch to the downstream processor.
type ProcessorNotice struct {
	RunID     string    `json:"run_id"`
	Queue     string    `json:"queue"`
	Batch     int       `json:"batch"`
	Attempted int       `json:"attempted"`
	Saved     int       `json:"saved"`
	Visited   int       `json:"visited"`
	Location  string    `json:"location,omitempty"`
	At        time.Time `json:"at"`
}

// ProcessorOutcome reports how the downstream processor handled a notice.
type ProcessorOutcome struct {
	OK       bool
	Duration time.Duration
	Detail   string
	Err      error
}
