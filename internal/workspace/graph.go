package workspace

import (
	"sort"

	"github.com/verso-tools/verso/internal/manifest"
	"github.com/verso-tools/verso/internal/model"
)

// CircularDependency records one strongly connected component of size > 1.
type CircularDependency struct {
	Cycle []string
}

// Index is the immutable dependency graph over the discovered packages.
// It is built once per invocation; if the workspace changes on disk, the
// caller constructs a new index.
type Index struct {
	root     string
	packages map[string]*model.Package
	docs     map[string]*manifest.Document
	names    []string

	edges  map[string][]string // A → packages A depends on (internal edges only)
	redges map[string][]string // A → packages depending on A

	sccOf  map[string]int
	sccs   [][]string
	cycles []CircularDependency
	topo   []string
}

func buildIndex(root string, docs map[string]*manifest.Document) (*Index, error) {
	idx := &Index{
		root:     root,
		packages: make(map[string]*model.Package, len(docs)),
		docs:     docs,
		edges:    make(map[string][]string),
		redges:   make(map[string][]string),
		sccOf:    make(map[string]int),
	}

	for name, doc := range docs {
		pkg, err := doc.Package()
		if err != nil {
			return nil, err
		}
		idx.packages[name] = pkg
		idx.names = append(idx.names, name)
	}
	sort.Strings(idx.names)

	// Version-bearing specifiers targeting known packages form edges;
	// path and URL specifiers never do.
	for _, name := range idx.names {
		seen := make(map[string]bool)
		for _, dep := range idx.packages[name].Dependencies {
			if dep.Spec.Opaque() || seen[dep.Name] {
				continue
			}
			if _, known := idx.packages[dep.Name]; !known {
				continue
			}
			seen[dep.Name] = true
			idx.edges[name] = append(idx.edges[name], dep.Name)
			idx.redges[dep.Name] = append(idx.redges[dep.Name], name)
		}
		sort.Strings(idx.edges[name])
	}
	for name := range idx.redges {
		sort.Strings(idx.redges[name])
	}

	idx.sccs = tarjanSCC(idx.names, idx.edges)
	for i, scc := range idx.sccs {
		for _, name := range scc {
			idx.sccOf[name] = i
		}
		if len(scc) > 1 {
			cycle := make([]string, len(scc))
			copy(cycle, scc)
			idx.cycles = append(idx.cycles, CircularDependency{Cycle: cycle})
		}
	}
	idx.topo = idx.topoOrder()
	return idx, nil
}

// Root returns the workspace root directory.
func (idx *Index) Root() string {
	return idx.root
}

// Package returns the discovered package with the given name.
func (idx *Index) Package(name string) (*model.Package, bool) {
	p, ok := idx.packages[name]
	return p, ok
}

// Document returns the parsed manifest for a package.
func (idx *Index) Document(name string) (*manifest.Document, bool) {
	d, ok := idx.docs[name]
	return d, ok
}

// Names returns all package names in sorted order.
func (idx *Index) Names() []string {
	out := make([]string, len(idx.names))
	copy(out, idx.names)
	return out
}

// Dependencies returns the packages pkg directly depends on.
func (idx *Index) Dependencies(pkg string) []string {
	return copied(idx.edges[pkg])
}

// Dependents returns the packages with a direct edge to pkg.
func (idx *Index) Dependents(pkg string) []string {
	return copied(idx.redges[pkg])
}

// TransitiveDependents returns every package reachable from pkg via
// reverse edges, in BFS order with sorted neighbor expansion.
func (idx *Index) TransitiveDependents(pkg string) []string {
	return idx.bfs(pkg, idx.redges)
}

// TransitiveDependencies returns every package pkg transitively depends on.
func (idx *Index) TransitiveDependencies(pkg string) []string {
	return idx.bfs(pkg, idx.edges)
}

func (idx *Index) bfs(start string, adj map[string][]string) []string {
	visited := map[string]bool{start: true}
	queue := []string{start}
	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adj[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			result = append(result, next)
			queue = append(queue, next)
		}
	}
	return result
}

// Cycles returns every SCC of size > 1.
func (idx *Index) Cycles() []CircularDependency {
	out := make([]CircularDependency, len(idx.cycles))
	copy(out, idx.cycles)
	return out
}

// SCCOf returns the members of the strongly connected component
// containing pkg (always at least pkg itself), sorted by name.
func (idx *Index) SCCOf(pkg string) []string {
	i, ok := idx.sccOf[pkg]
	if !ok {
		return []string{pkg}
	}
	return copied(idx.sccs[i])
}

// TopologicalOrder returns all packages leaves-first: a package appears
// after everything it depends on. Within an SCC, name order. The order
// is stable across runs.
func (idx *Index) TopologicalOrder() []string {
	return copied(idx.topo)
}

// topoOrder runs Kahn's algorithm over the SCC condensation, emitting
// SCCs whose dependencies are all emitted, tie-broken by the smallest
// member name.
func (idx *Index) topoOrder() []string {
	n := len(idx.sccs)
	depsOf := make([]map[int]bool, n)
	for i := range depsOf {
		depsOf[i] = make(map[int]bool)
	}
	for _, name := range idx.names {
		from := idx.sccOf[name]
		for _, to := range idx.edges[name] {
			if t := idx.sccOf[to]; t != from {
				depsOf[from][t] = true
			}
		}
	}

	emitted := make([]bool, n)
	var order []string
	for emittedCount := 0; emittedCount < n; {
		best := -1
		for i := 0; i < n; i++ {
			if emitted[i] {
				continue
			}
			ready := true
			for dep := range depsOf[i] {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if best < 0 || idx.sccs[i][0] < idx.sccs[best][0] {
				best = i
			}
		}
		if best < 0 {
			// Unreachable: the condensation of SCCs is acyclic.
			break
		}
		emitted[best] = true
		emittedCount++
		order = append(order, idx.sccs[best]...)
	}
	return order
}

func copied(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// tarjanSCC computes strongly connected components iteratively. Each
// SCC is sorted by name; the result covers every vertex.
func tarjanSCC(names []string, edges map[string][]string) [][]string {
	index := make(map[string]int)
	low := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var sccs [][]string
	next := 0

	type frame struct {
		v  string
		ei int
	}

	for _, start := range names {
		if _, seen := index[start]; seen {
			continue
		}
		index[start] = next
		low[start] = next
		next++
		stack = append(stack, start)
		onStack[start] = true
		frames := []frame{{v: start}}

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			advanced := false
			for f.ei < len(edges[f.v]) {
				w := edges[f.v][f.ei]
				f.ei++
				if _, seen := index[w]; !seen {
					index[w] = next
					low[w] = next
					next++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w})
					advanced = true
					break
				}
				if onStack[w] && index[w] < low[f.v] {
					low[f.v] = index[w]
				}
			}
			if advanced {
				continue
			}

			if low[f.v] == index[f.v] {
				var scc []string
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					scc = append(scc, w)
					if w == f.v {
						break
					}
				}
				sort.Strings(scc)
				sccs = append(sccs, scc)
			}
			v := f.v
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				p := &frames[len(frames)-1]
				if low[v] < low[p.v] {
					low[p.v] = low[v]
				}
			}
		}
	}
	return sccs
}
