package toxicity

import "sort"

// Graph is the module-level import graph used for transitive propagation
// (spec.md §4.4): nodes are module names, edges point from importer to
// imported.
type Graph struct {
	scans map[string]ScanResult
}

// NewGraph builds a Graph from a set of per-file scan results, keyed by
// module name. A later scan for the same module name overwrites an
// earlier one.
func NewGraph(scans []ScanResult) *Graph {
	g := &Graph{scans: make(map[string]ScanResult, len(scans))}
	for _, s := range scans {
		g.scans[s.Module] = s
	}
	return g
}

// Propagate computes the final Toxicity Report for every module in the
// graph via a monotone fixed-point (spec.md §4.4, §8 property 4): a
// module already Toxic never regresses to Safe, and any module reaching a
// Toxic or Unknown module through its import edges becomes Toxic itself,
// tagged "inherited-from". Iteration order over module names is sorted so
// the result is reproducible across runs (spec.md "Determinism").
func (g *Graph) Propagate() []Report {
	reports := make(map[string]*Report, len(g.scans))
	names := make([]string, 0, len(g.scans))
	for name := range g.scans {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		scan := g.scans[name]
		r := &Report{Module: name}
		switch {
		case scan.Unresolved:
			r.Classification = Unknown
			r.Reasons = append(r.Reasons, ReasonUnresolvedImport)
		case scan.Toxic:
			r.Classification = Toxic
			r.Reasons = append(r.Reasons, scan.Reasons...)
		default:
			r.Classification = Safe
		}
		reports[name] = r
	}

	// Fixed-point over import edges: repeat until no report changes.
	// Bounded by len(names) passes, since each pass that changes anything
	// promotes at least one module from Safe to Toxic, a one-way
	// transition (monotonicity).
	for pass := 0; pass < len(names)+1; pass++ {
		changed := false
		for _, name := range names {
			r := reports[name]
			if r.Classification == Toxic {
				continue
			}
			scan := g.scans[name]
			for _, dep := range scan.Imports {
				depReport, ok := reports[dep]
				if !ok {
					// Import target outside the scanned tree (stdlib,
					// third-party): not itself evidence of toxicity.
					continue
				}
				if depReport.Classification == Toxic || depReport.Classification == Unknown {
					r.Classification = Toxic
					r.InheritedFrom = dep
					r.Reasons = append(r.Reasons, Reason(string(ReasonInheritedPrefix)+dep))
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	out := make([]Report, 0, len(names))
	for _, name := range names {
		out = append(out, *reports[name])
	}
	return out
}

// Routed reports whether the given classification should be routed as
// Toxic by the scheduler (spec.md §4.4: Unknown is conservatively routed
// as Toxic).
func Routed(c Classification) bool {
	return c == Toxic || c == Unknown
}
