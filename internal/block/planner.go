package block

import (
	"strings"

	"github.com/gftdcojp/hpcds/internal/types"
)

// DefaultMaxURLLength bounds the length of a batched read URL.
const DefaultMaxURLLength = 2000

// BatchPrefix is the fixed resolution segment that precedes the block
// fragments of a batched read.
var BatchPrefix = types.Point3D{X: 1, Y: 1, Z: 1}

// Batch is one read request covering a run of coordinates.
type Batch struct {
	URL         string
	Coordinates []types.Block6D
}

// Planner splits coordinate lists into URL-length-bounded batches.
type Planner struct {
	maxURLLength int
}

// NewPlanner creates a planner. A non-positive bound selects DefaultMaxURLLength.
func NewPlanner(maxURLLength int) *Planner {
	if maxURLLength <= 0 {
		maxURLLength = DefaultMaxURLLength
	}
	return &Planner{maxURLLength: maxURLLength}
}

// MaxURLLength returns the configured bound.
func (p *Planner) MaxURLLength() int {
	return p.maxURLLength
}

// Plan groups coords, in order, into batches against endpoint. A batch is
// closed before a coordinate whose fragment would push the URL past the bound,
// except for the final coordinate, which always joins the current batch.
func (p *Planner) Plan(endpoint string, coords []types.Block6D) []Batch {
	if len(coords) == 0 {
		return nil
	}
	seed := strings.TrimSuffix(endpoint, "/") + BatchPrefix.URLPart()

	var batches []Batch
	b := newBatchBuilder(seed, p.maxURLLength)
	for i, c := range coords {
		last := i == len(coords)-1
		if !b.add(c, last) {
			batches = append(batches, b.seal())
			b = newBatchBuilder(seed, p.maxURLLength)
			b.add(c, true)
		}
	}
	return append(batches, b.seal())
}

// batchBuilder accumulates fragments for a single batch URL.
type batchBuilder struct {
	url    strings.Builder
	limit  int
	coords []types.Block6D
}

func newBatchBuilder(seed string, limit int) *batchBuilder {
	b := &batchBuilder{limit: limit}
	b.url.Grow(limit)
	b.url.WriteString(seed)
	return b
}

// add appends the coordinate's fragment. It returns false without adding when
// the fragment would exceed the limit, unless force is set or the batch is
// still empty.
func (b *batchBuilder) add(c types.Block6D, force bool) bool {
	frag := c.URLPart()
	if b.url.Len()+len(frag) > b.limit && !force && len(b.coords) > 0 {
		return false
	}
	b.url.WriteString(frag)
	b.coords = append(b.coords, c)
	return true
}

func (b *batchBuilder) seal() Batch {
	return Batch{URL: b.url.String(), Coordinates: b.coords}
}
