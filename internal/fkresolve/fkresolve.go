// Package fkresolve is the FK Resolver, the heart of the query compiler.
// Given a target table and the set of dotted identifiers collected from a
// request's parsed fragments, it builds a tree of foreign-key hops, a
// flat join list in depth-first pre-order, and a rewrite map from each
// input identifier to "alias.column" so the Statement Builder never has
// to reason about foreign keys itself.
//
// Grounded on the specification's own design note (§9): the tree is kept
// as a flat arena (a slice of nodes addressed by index, each carrying its
// children's indices) rather than a pointer tree, so cycle detection is a
// membership test against the chain of table names already visited for
// the identifier currently being walked, and alias assignment is a single
// pre-order pass over the arena once every identifier has been merged in.
package fkresolve

import (
	"context"
	"strconv"
	"strings"

	"github.com/kaibyao/pgrest/internal/catalog"
	"github.com/kaibyao/pgrest/internal/compileerr"
	"github.com/kaibyao/pgrest/internal/sqlfrag"
)

// DefaultMaxDepth is the FK tree depth limit used when the caller does not
// override it, matching the specification's stated default.
const DefaultMaxDepth = 5

// StatsFetcher is the subset of internal/statscache.Cache (or
// internal/catalog directly, in Disabled mode) the resolver needs. Keeping
// it as an interface lets tests supply a map-backed fake with no database.
type StatsFetcher interface {
	Get(ctx context.Context, table string) (*catalog.TableStats, error)
}

// Node is one ForeignKeyReference in the resolved tree. The root node has
// an empty ReferringColumn and ColumnReferred.
type Node struct {
	Alias           string
	Table           string
	ReferringColumn string
	ColumnReferred  string
	Children        []*Node
}

// Join is one INNER JOIN the Statement Builder emits for a non-root node.
type Join struct {
	Table           string
	Alias           string
	ParentAlias     string
	ReferringColumn string
	ColumnReferred  string
}

// Result is the FK Resolver's output: the resolved tree, its join list in
// emission order, and the rewrite map every dotted identifier in the
// input resolves through.
type Result struct {
	Root    *Node
	Joins   []Join
	Rewrite map[string]string
}

// arenaNode is the flat, index-addressed representation built up while
// walking identifiers; Resolve converts it to the pointer-based Node tree
// only once, as its final step.
type arenaNode struct {
	table           string
	referringColumn string
	columnReferred  string
	children        []int
	alias           string
}

type resolver struct {
	ctx      context.Context
	fetcher  StatsFetcher
	maxDepth int
	arena    []arenaNode
	stats    map[string]*catalog.TableStats // table name -> stats, memoized per Resolve call
}

// Resolve builds the FK tree for rootTable against identifiers (already
// validated dotted paths, e.g. as collected from sqlfrag.ParsedFragment.
// Identifiers), fetching Table Stats through fetcher on demand.
func Resolve(ctx context.Context, fetcher StatsFetcher, rootTable string, identifiers []string, maxDepth int) (*Result, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	r := &resolver{
		ctx:      ctx,
		fetcher:  fetcher,
		maxDepth: maxDepth,
		stats:    make(map[string]*catalog.TableStats),
	}

	rootStats, err := r.fetchStats(rootTable)
	if err != nil {
		return nil, err
	}
	r.arena = []arenaNode{{table: rootStats.Table}}

	// First pass: merge every identifier into the arena, remembering which
	// node and leaf column it resolved to. Aliases aren't assigned yet
	// because a later identifier can still attach new children anywhere in
	// the tree built so far.
	type located struct {
		nodeIdx int
		leaf    string
	}
	locations := make(map[string]located, len(identifiers))
	for _, id := range identifiers {
		nodeIdx, leaf, err := r.walk(rootStats, id)
		if err != nil {
			return nil, err
		}
		locations[id] = located{nodeIdx: nodeIdx, leaf: leaf}
	}

	assignAliases(r.arena, 0, new(int))

	rewrite := make(map[string]string, len(identifiers))
	for _, id := range identifiers {
		loc := locations[id]
		rewrite[id] = r.arena[loc.nodeIdx].alias + "." + loc.leaf
	}

	return &Result{
		Root:    toTree(r.arena, 0),
		Joins:   collectJoins(r.arena, 0),
		Rewrite: rewrite,
	}, nil
}

func (r *resolver) fetchStats(table string) (*catalog.TableStats, error) {
	if s, ok := r.stats[table]; ok {
		return s, nil
	}
	s, err := r.fetcher.Get(r.ctx, table)
	if err != nil {
		if err == catalog.ErrNotFound {
			return nil, compileerr.New(compileerr.UnknownTable, "unknown table %q", table)
		}
		return nil, compileerr.Wrap(compileerr.DatabaseError, err, "fetching table stats for %q", table)
	}
	r.stats[table] = s
	return s, nil
}

// walk merges id into the arena, creating nodes as needed, and returns the
// arena index of the node the identifier's leaf column belongs to, plus
// that leaf column's name. Called once per identifier, before any alias
// is assigned, so the tree is fully merged before aliasing sees it.
func (r *resolver) walk(rootStats *catalog.TableStats, id string) (int, string, error) {
	if !sqlfrag.ValidIdentifier(id) {
		return 0, "", compileerr.New(compileerr.InvalidIdentifier, "invalid identifier %q", id).WithPath(id)
	}
	segments := strings.Split(id, ".")

	nodeIdx := 0
	stats := rootStats
	chain := []string{stats.Table}

	for i, seg := range segments {
		isLast := i == len(segments)-1
		if isLast {
			if !stats.HasColumn(seg) {
				return 0, "", compileerr.New(compileerr.UnknownColumn, "unknown column %q", seg).WithPath(id)
			}
			return nodeIdx, seg, nil
		}

		fk, referredCol, ok := stats.ReferenceFor(seg)
		if !ok {
			return 0, "", compileerr.New(compileerr.UnknownForeignKey, "unknown foreign key %q", seg).WithPath(id)
		}

		for _, visited := range chain {
			if visited == fk.ReferredTable {
				return 0, "", compileerr.New(compileerr.CycleDetected, "cycle detected at %q", seg).WithPath(id)
			}
		}
		if len(chain) > r.maxDepth {
			return 0, "", compileerr.New(compileerr.DepthExceeded, "foreign key depth exceeds %d", r.maxDepth).WithPath(id)
		}

		childIdx := r.findOrCreateChild(nodeIdx, seg, fk.ReferredTable, referredCol)
		nodeIdx = childIdx
		chain = append(chain, fk.ReferredTable)

		next, err := r.fetchStats(fk.ReferredTable)
		if err != nil {
			return 0, "", err
		}
		stats = next
	}
	return 0, "", compileerr.New(compileerr.InvalidIdentifier, "empty identifier")
}

// findOrCreateChild returns the arena index of parentIdx's child reached
// via referringColumn, merging with any identical child already created
// by an earlier identifier (tree merge, spec §4.4 step 2).
func (r *resolver) findOrCreateChild(parentIdx int, referringColumn, referredTable, columnReferred string) int {
	parent := &r.arena[parentIdx]
	for _, childIdx := range parent.children {
		if r.arena[childIdx].referringColumn == referringColumn {
			return childIdx
		}
	}
	r.arena = append(r.arena, arenaNode{
		table:           referredTable,
		referringColumn: referringColumn,
		columnReferred:  columnReferred,
	})
	newIdx := len(r.arena) - 1
	r.arena[parentIdx].children = append(r.arena[parentIdx].children, newIdx)
	return newIdx
}

// assignAliases walks the arena in depth-first pre-order, handing out
// t0, t1, ... as it goes, per spec §4.4 step 3.
func assignAliases(arena []arenaNode, idx int, counter *int) {
	arena[idx].alias = aliasName(*counter)
	*counter++
	for _, childIdx := range arena[idx].children {
		assignAliases(arena, childIdx, counter)
	}
}

func aliasName(n int) string {
	return "t" + strconv.Itoa(n)
}

func toTree(arena []arenaNode, idx int) *Node {
	n := &Node{
		Alias:           arena[idx].alias,
		Table:           arena[idx].table,
		ReferringColumn: arena[idx].referringColumn,
		ColumnReferred:  arena[idx].columnReferred,
	}
	for _, childIdx := range arena[idx].children {
		n.Children = append(n.Children, toTree(arena, childIdx))
	}
	return n
}

// collectJoins walks the arena in the same pre-order used for alias
// assignment, emitting a Join for every non-root node, per spec §4.4
// step 4 ("join order matches pre-order traversal").
func collectJoins(arena []arenaNode, idx int) []Join {
	var joins []Join
	var walk func(i int)
	walk = func(i int) {
		for _, childIdx := range arena[i].children {
			child := arena[childIdx]
			joins = append(joins, Join{
				Table:           child.table,
				Alias:           child.alias,
				ParentAlias:     arena[i].alias,
				ReferringColumn: child.referringColumn,
				ColumnReferred:  child.columnReferred,
			})
			walk(childIdx)
		}
	}
	walk(idx)
	return joins
}
