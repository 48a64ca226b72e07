// Package hnsw implements the hierarchical navigable small-world graph used
// for approximate nearest neighbor search over a collection's record store.
package hnsw

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g4mm4p4nd4/op-observe/distance"
	"github.com/g4mm4p4nd4/op-observe/internal/queue"
	"github.com/g4mm4p4nd4/op-observe/internal/visited"
)

const (
	// mmax0Multiplier is the multiplier for maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per layer.
	DefaultM = 16

	// DefaultEFConstruction is the default build-time beam width.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default query-time beam width.
	DefaultEFSearch = 64

	// DefaultMaxEFSearch caps per-query efSearch overrides.
	DefaultMaxEFSearch = 2048

	// DefaultBruteForceThreshold is the live-record count below which callers
	// should prefer an exact scan over graph traversal.
	DefaultBruteForceThreshold = 64
)

var (
	// ErrInvalidParameter is returned when M, efConstruction or efSearch is
	// not a positive integer.
	ErrInvalidParameter = errors.New("invalid index parameter")

	// ErrCorrupted is returned when graph traversal encounters a neighbor id
	// that resolves to a permanently absent node. The collection must halt
	// writes until the index is rebuilt.
	ErrCorrupted = errors.New("index corruption detected")
)

// ErrDimensionMismatch indicates a vector/index dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options configures the graph index.
type Options struct {
	Dimension           int
	M                   int
	EFConstruction      int
	EFSearch            int
	MaxEFSearch         int
	Heuristic           bool
	Metric              distance.Metric
	BruteForceThreshold int
	RandomSeed          *int64
	Logger              *slog.Logger
}

// DefaultOptions are sensible defaults for document embeddings.
var DefaultOptions = Options{
	M:                   DefaultM,
	EFConstruction:      DefaultEFConstruction,
	EFSearch:            DefaultEFSearch,
	MaxEFSearch:         DefaultMaxEFSearch,
	Heuristic:           true,
	Metric:              distance.MetricCosine,
	BruteForceThreshold: DefaultBruteForceThreshold,
}

// node is a single graph node. Its neighbor lists are guarded by the node
// mutex so a concurrent search sees either the pre- or post-link state,
// never a partially linked node.
type node struct {
	mu        sync.RWMutex
	recordID  string
	vector    []float32
	level     int
	neighbors [][]uint32
	deleted   atomic.Bool
}

// Hit is a single search result, closest first.
type Hit struct {
	Node     uint32
	RecordID string
	Distance float32
}

// SearchOptions tunes a single query.
type SearchOptions struct {
	// EFSearch overrides the default beam width. Values outside
	// [k, MaxEFSearch] are clamped, not rejected.
	EFSearch int

	// Filter restricts results to node ids it accepts. Filtered nodes stay
	// navigable during traversal.
	Filter func(uint32) bool
}

// Result carries the hits plus the traversal counters backing the
// recall-proxy metric.
type Result struct {
	Hits []Hit

	// Touched is the number of candidates expanded during traversal.
	Touched int
	// Live is how many touched candidates survived tombstone filtering.
	// Live/Touched degrades as tombstone density grows.
	Live int
}

// Index is the layered small-world graph. A single RWMutex guards the node
// arena structure (searches and inserts share it; compaction is exclusive),
// while per-node locks guard neighbor lists.
type Index struct {
	opts     Options
	distFunc distance.Func
	logger   *slog.Logger

	mu       sync.RWMutex
	nodes    []*node
	byRecord map[string]uint32

	epMu       sync.Mutex
	entryPoint atomic.Int64 // node id, -1 when the graph is empty
	maxLevel   atomic.Int32

	rngMu sync.Mutex
	rng   *rand.Rand

	mmax            int
	mmax0           int
	layerMultiplier float64

	live       atomic.Int64
	tombstoned atomic.Int64
	corrupted  atomic.Bool

	visitedPool sync.Pool
}

// New creates a graph index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidParameter, opts.Dimension)
	}
	if opts.M <= 0 || opts.EFConstruction <= 0 || opts.EFSearch <= 0 {
		return nil, fmt.Errorf("%w: M, efConstruction and efSearch must be positive", ErrInvalidParameter)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.MaxEFSearch <= 0 {
		opts.MaxEFSearch = DefaultMaxEFSearch
	}
	if opts.BruteForceThreshold < 0 {
		opts.BruteForceThreshold = 0
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ix := &Index{
		opts:            opts,
		distFunc:        distFunc,
		logger:          logger,
		byRecord:        make(map[string]uint32),
		rng:             rng,
		mmax:            opts.M,
		mmax0:           mmax0Multiplier * opts.M,
		layerMultiplier: 1 / math.Log(float64(opts.M)),
		visitedPool: sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}
	ix.entryPoint.Store(-1)
	return ix, nil
}

// Dimension returns the configured vector dimensionality.
func (ix *Index) Dimension() int { return ix.opts.Dimension }

// Metric returns the configured distance metric.
func (ix *Index) Metric() distance.Metric { return ix.opts.Metric }

// Len returns the number of live (non-tombstoned) nodes.
func (ix *Index) Len() int { return int(ix.live.Load()) }

// TombstoneRatio returns tombstoned/(live+tombstoned), the density that
// degrades search quality until compaction runs.
func (ix *Index) TombstoneRatio() float64 {
	live, dead := ix.live.Load(), ix.tombstoned.Load()
	if live+dead == 0 {
		return 0
	}
	return float64(dead) / float64(live+dead)
}

// Corrupted reports whether traversal has detected a dangling neighbor.
// A corrupted index rejects writes until rebuilt.
func (ix *Index) Corrupted() bool { return ix.corrupted.Load() }

// BruteForceCandidate reports whether the live set is small enough that an
// exact scan is preferable to graph traversal.
func (ix *Index) BruteForceCandidate() bool {
	return int(ix.live.Load()) < ix.opts.BruteForceThreshold
}

// Insert adds a vector under the record id. Re-inserting an existing id
// tombstones the previous node and links a fresh one, so stale edges are
// pruned lazily rather than rewritten inline.
func (ix *Index) Insert(ctx context.Context, recordID string, vec []float32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if ix.corrupted.Load() {
		return 0, ErrCorrupted
	}
	if len(vec) != ix.opts.Dimension {
		return 0, &ErrDimensionMismatch{Expected: ix.opts.Dimension, Actual: len(vec)}
	}

	var stored []float32
	if distance.NeedsNormalization(ix.opts.Metric) {
		normalized, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			return 0, fmt.Errorf("hnsw: cannot normalize zero vector for record %q", recordID)
		}
		stored = normalized
	} else {
		stored = make([]float32, len(vec))
		copy(stored, vec)
	}

	level := ix.randomLevel()

	n := &node{
		recordID:  recordID,
		vector:    stored,
		level:     level,
		neighbors: make([][]uint32, level+1),
	}

	// Allocate the node slot and repoint the record mapping.
	ix.mu.Lock()
	if prev, ok := ix.byRecord[recordID]; ok {
		ix.tombstoneLocked(prev)
	}
	id := uint32(len(ix.nodes))
	ix.nodes = append(ix.nodes, n)
	ix.byRecord[recordID] = id
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	// First node becomes the entry point.
	ix.epMu.Lock()
	if ix.entryPoint.Load() < 0 {
		ix.entryPoint.Store(int64(id))
		ix.maxLevel.Store(int32(level))
		ix.epMu.Unlock()
		ix.live.Add(1)
		return id, nil
	}
	ix.epMu.Unlock()

	if err := ix.link(ctx, id, n); err != nil {
		return 0, err
	}
	ix.live.Add(1)

	// Entry point moves only on a strictly higher top layer.
	if level > int(ix.maxLevel.Load()) {
		ix.epMu.Lock()
		if level > int(ix.maxLevel.Load()) {
			ix.maxLevel.Store(int32(level))
			ix.entryPoint.Store(int64(id))
		}
		ix.epMu.Unlock()
	}

	return id, nil
}

// link wires the new node into the graph. Caller holds the structural read
// lock.
func (ix *Index) link(ctx context.Context, id uint32, n *node) error {
	ep := uint32(ix.entryPoint.Load())
	maxLevel := int(ix.maxLevel.Load())

	currID, currDist, err := ix.descend(n.vector, ep, maxLevel, n.level)
	if err != nil {
		return err
	}

	for level := min(n.level, maxLevel); level >= 0; level-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		results, _, _, err := ix.searchLayer(ctx, n.vector, currID, currDist, level, ix.opts.EFConstruction, nil, true)
		if err != nil {
			return err
		}

		if best, ok := results.Min(); ok {
			currID, currDist = best.Node, best.Distance
		}

		maxConns := ix.mmax
		if level == 0 {
			maxConns = ix.mmax0
		}

		neighbors := ix.selectNeighbors(results, maxConns)

		n.mu.Lock()
		n.neighbors[level] = neighbors
		n.mu.Unlock()

		for _, neighborID := range neighbors {
			ix.addConnection(neighborID, id, level)
		}
	}
	return nil
}

// descend performs the greedy width-1 walk from the top layer down to
// targetLevel+1. Caller holds the structural read lock.
func (ix *Index) descend(vec []float32, ep uint32, fromLevel, targetLevel int) (uint32, float32, error) {
	epNode := ix.nodeAt(ep)
	if epNode == nil {
		return 0, 0, ix.markCorrupted(ep)
	}

	currID := ep
	currDist := ix.distFunc(vec, epNode.vector)

	for level := fromLevel; level > targetLevel; level-- {
		for changed := true; changed; {
			changed = false
			for _, nextID := range ix.connections(currID, level) {
				next := ix.nodeAt(nextID)
				if next == nil {
					return 0, 0, ix.markCorrupted(nextID)
				}
				if d := ix.distFunc(vec, next.vector); d < currDist {
					currID, currDist = nextID, d
					changed = true
				}
			}
		}
	}
	return currID, currDist, nil
}

// searchLayer runs best-first search at one layer with the given beam width.
// It returns a max-heap of up to ef results plus the touched/live counters.
// When forConstruction is true tombstoned nodes are admitted as results so
// neighbor selection can still bridge through them.
//
// Traversal is cooperatively abortable: the context is checked at
// node-expansion granularity.
func (ix *Index) searchLayer(ctx context.Context, query []float32, epID uint32, epDist float32, level, ef int, filter func(uint32) bool, forConstruction bool) (*queue.PriorityQueue, int, int, error) {
	vis := ix.visitedPool.Get().(*visited.Set)
	vis.Reset()
	defer ix.visitedPool.Put(vis)

	candidates := queue.NewMin(ef)
	results := queue.NewMax(ef)

	touched, liveSeen := 1, 0

	vis.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})

	if ix.admissible(epID, filter, forConstruction) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
		liveSeen++
	}

	for candidates.Len() > 0 {
		if err := ctx.Err(); err != nil {
			// Give the caller whatever the beam collected before expiry.
			return results, touched, liveSeen, err
		}

		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, nextID := range ix.connections(curr.Node, level) {
			if vis.Visited(nextID) {
				continue
			}
			vis.Visit(nextID)
			touched++

			next := ix.nodeAt(nextID)
			if next == nil {
				return nil, touched, liveSeen, ix.markCorrupted(nextID)
			}
			nextDist := ix.distFunc(query, next.vector)

			// Prune clearly-bad candidates once the beam is full. Kept
			// permissive under filtering so traversal can cross filtered-out
			// regions.
			if filter == nil && results.Len() >= ef {
				if worst, ok := results.Top(); ok && nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: nextID, Distance: nextDist})

			if ix.admissible(nextID, filter, forConstruction) {
				liveSeen++
				results.Push(queue.Item{Node: nextID, Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results, touched, liveSeen, nil
}

func (ix *Index) admissible(id uint32, filter func(uint32) bool, forConstruction bool) bool {
	n := ix.nodeAt(id)
	if n == nil {
		return false
	}
	if !forConstruction && n.deleted.Load() {
		return false
	}
	return filter == nil || filter(id)
}

// selectNeighbors picks up to m diverse neighbors from the result heap.
func (ix *Index) selectNeighbors(results *queue.PriorityQueue, m int) []uint32 {
	if ix.opts.Heuristic && results.Len() > m {
		return ix.selectNeighborsHeuristic(results, m)
	}

	for results.Len() > m {
		results.Pop()
	}
	out := make([]uint32, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		out[i] = item.Node
	}
	return out
}

// selectNeighborsHeuristic keeps edges diverse rather than purely closest:
// a candidate is skipped when it is closer to an already-selected neighbor
// than to the inserted vector (relative neighborhood graph property).
func (ix *Index) selectNeighborsHeuristic(results *queue.PriorityQueue, m int) []uint32 {
	// Drain the max-heap into best-first order.
	sorted := make([]queue.Item, results.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = results.Pop()
	}

	selected := make([]uint32, 0, m)
	selectedVecs := make([][]float32, 0, m)
	var spilled []queue.Item

	for _, cand := range sorted {
		if len(selected) >= m {
			break
		}
		candNode := ix.nodeAt(cand.Node)
		if candNode == nil {
			continue
		}

		diverse := true
		for _, vec := range selectedVecs {
			if ix.distFunc(candNode.vector, vec) < cand.Distance {
				diverse = false
				break
			}
		}

		if diverse {
			selected = append(selected, cand.Node)
			selectedVecs = append(selectedVecs, candNode.vector)
		} else {
			spilled = append(spilled, cand)
		}
	}

	// Fill up from the skipped candidates if diversity left gaps.
	for _, cand := range spilled {
		if len(selected) >= m {
			break
		}
		selected = append(selected, cand.Node)
	}
	return selected
}

// addConnection links target into source's neighbor list at the level,
// pruning with the diversity heuristic when the list is full.
func (ix *Index) addConnection(sourceID, targetID uint32, level int) {
	source := ix.nodeAt(sourceID)
	if source == nil {
		return
	}

	source.mu.Lock()
	defer source.mu.Unlock()

	if level > source.level {
		return
	}

	conns := source.neighbors[level]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	maxConns := ix.mmax
	if level == 0 {
		maxConns = ix.mmax0
	}

	if len(conns) < maxConns {
		source.neighbors[level] = append(conns, targetID)
		return
	}

	candidates := queue.NewMax(len(conns) + 1)
	for _, c := range conns {
		n := ix.nodeAt(c)
		if n == nil {
			continue
		}
		candidates.Push(queue.Item{Node: c, Distance: ix.distFunc(source.vector, n.vector)})
	}
	if target := ix.nodeAt(targetID); target != nil {
		candidates.Push(queue.Item{Node: targetID, Distance: ix.distFunc(source.vector, target.vector)})
	}

	source.neighbors[level] = ix.selectNeighbors(candidates, maxConns)
}

// Delete tombstones the node for the record id. The node's edges stay
// navigable so graph connectivity is preserved until compaction.
func (ix *Index) Delete(recordID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id, ok := ix.byRecord[recordID]
	if !ok {
		return false
	}
	delete(ix.byRecord, recordID)
	ix.tombstoneLocked(id)
	return true
}

func (ix *Index) tombstoneLocked(id uint32) {
	n := ix.nodes[id]
	if n == nil || n.deleted.Load() {
		return
	}
	n.deleted.Store(true)
	ix.live.Add(-1)
	ix.tombstoned.Add(1)
}

// NodeID resolves a record id to its current graph node.
func (ix *Index) NodeID(recordID string) (uint32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.byRecord[recordID]
	return id, ok
}

func (ix *Index) nodeAt(id uint32) *node {
	if int(id) >= len(ix.nodes) {
		return nil
	}
	return ix.nodes[id]
}

func (ix *Index) connections(id uint32, level int) []uint32 {
	n := ix.nodeAt(id)
	if n == nil {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if level > n.level {
		return nil
	}
	conns := make([]uint32, len(n.neighbors[level]))
	copy(conns, n.neighbors[level])
	return conns
}

func (ix *Index) randomLevel() int {
	ix.rngMu.Lock()
	r := ix.rng.Float64()
	ix.rngMu.Unlock()
	return int(math.Floor(-math.Log(r) * ix.layerMultiplier))
}

func (ix *Index) markCorrupted(id uint32) error {
	ix.corrupted.Store(true)
	ix.logger.Error("dangling neighbor encountered; halting writes pending rebuild",
		"node", id)
	return fmt.Errorf("%w: neighbor %d resolves to an absent node", ErrCorrupted, id)
}

// Search returns the k closest live records to the query.
//
// An empty index yields an empty result, not an error. efSearch overrides are
// clamped to [k, MaxEFSearch]; efSearch < k is raised to k with a warning.
// When the context expires mid-traversal, the hits collected so far are
// returned together with the context error.
func (ix *Index) Search(ctx context.Context, query []float32, k int, opts *SearchOptions) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if k <= 0 {
		return Result{}, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidParameter, k)
	}
	if len(query) != ix.opts.Dimension {
		return Result{}, &ErrDimensionMismatch{Expected: ix.opts.Dimension, Actual: len(query)}
	}

	q := query
	if distance.NeedsNormalization(ix.opts.Metric) {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return Result{}, fmt.Errorf("hnsw: cannot normalize zero query vector")
		}
		q = normalized
	}

	ef := ix.opts.EFSearch
	if opts != nil && opts.EFSearch > 0 {
		ef = opts.EFSearch
	}
	if ef < k {
		ix.logger.Warn("efSearch below k, raising", "ef_search", ef, "k", k)
		ef = k
	}
	if ef > ix.opts.MaxEFSearch {
		ef = ix.opts.MaxEFSearch
	}

	var filter func(uint32) bool
	if opts != nil {
		filter = opts.Filter
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ep := ix.entryPoint.Load()
	if ep < 0 || ix.live.Load() == 0 {
		return Result{}, nil
	}

	currID, currDist, err := ix.descend(q, uint32(ep), int(ix.maxLevel.Load()), 0)
	if err != nil {
		return Result{}, err
	}

	results, touched, liveSeen, err := ix.searchLayer(ctx, q, currID, currDist, 0, ef, filter, false)
	if err != nil && results == nil {
		return Result{}, err
	}

	for results.Len() > k {
		results.Pop()
	}

	hits := make([]Hit, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		n := ix.nodeAt(item.Node)
		hits[i] = Hit{Node: item.Node, RecordID: n.recordID, Distance: item.Distance}
	}

	return Result{Hits: hits, Touched: touched, Live: liveSeen}, err
}

// BruteSearch scans the given record sequence exactly. It backs the
// small-collection fallback, fed by the record store's Scan. When the
// context expires mid-scan, the hits ranked so far are returned together
// with the context error.
func (ix *Index) BruteSearch(ctx context.Context, query []float32, k int, records iter.Seq2[string, []float32]) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidParameter, k)
	}
	if len(query) != ix.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: ix.opts.Dimension, Actual: len(query)}
	}

	q := query
	normalize := distance.NeedsNormalization(ix.opts.Metric)
	if normalize {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("hnsw: cannot normalize zero query vector")
		}
		q = normalized
	}

	// k is small in practice; a sorted window beats heap bookkeeping here.
	top := make([]Hit, 0, k+1)
	for recordID, vec := range records {
		if err := ctx.Err(); err != nil {
			return top, err
		}
		if len(vec) != ix.opts.Dimension {
			continue
		}

		v := vec
		if normalize {
			normalized, ok := distance.NormalizeL2Copy(vec)
			if !ok {
				continue
			}
			v = normalized
		}

		d := ix.distFunc(q, v)
		if len(top) == k && d >= top[k-1].Distance {
			continue
		}

		nodeID, _ := ix.NodeID(recordID)
		hit := Hit{Node: nodeID, RecordID: recordID, Distance: d}

		pos := len(top)
		for pos > 0 && closerHit(hit, top[pos-1]) {
			pos--
		}
		top = append(top, Hit{})
		copy(top[pos+1:], top[pos:])
		top[pos] = hit
		if len(top) > k {
			top = top[:k]
		}
	}
	return top, nil
}

func closerHit(a, b Hit) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Node < b.Node
}
