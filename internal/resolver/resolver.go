// Package resolver computes conflict-free installation plans from the
// catalog. The strategy is deterministic greedy selection with bounded
// chronological backtracking across candidates and alternatives, not a
// general SAT solver: every choice is explainable and every failure is
// structured.
package resolver

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ralt/crosspkg/internal/catalog"
	"github.com/ralt/crosspkg/internal/constraint"
	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/version"
)

// maxBacktracks bounds the search. Once the budget is spent the first
// recorded dead end is reported instead of exploring further orderings.
const maxBacktracks = 256

// Request is one entry of the request set: a package name with an
// optional version constraint.
type Request struct {
	Name     string
	Relation constraint.Relation
	Version  string
}

// Resolver resolves request sets against a catalog store. It is read-only
// and holds no store locks across queries; it tolerates the catalog
// changing between two of its queries.
type Resolver struct {
	store *catalog.Store
	arch  string
	eco   version.Ecosystem
}

// New creates a resolver for the given target architecture and ecosystem.
func New(store *catalog.Store, arch string, eco version.Ecosystem) *Resolver {
	return &Resolver{store: store, arch: arch, eco: eco}
}

// selection is one package chosen for the plan, with every constraint
// that has been applied to its name so far.
type selection struct {
	pkg   models.Package
	terms []constraint.Term
}

// providerEntry records that a selected package satisfies a virtual name.
type providerEntry struct {
	pkgID    int64
	declared string
}

// requirement is one queued alternative set and the package that asked
// for it (zero for the request set itself).
type requirement struct {
	set    constraint.AlternativeSet
	origin int64
}

// failure is one requirement no option could satisfy, kept for the
// end-of-run diagnosis.
type failure struct {
	set      requirement
	conflict *constraint.Term // the pinned constraint a conflict was detected against
}

// state is one node of the search: the selections made so far and the
// dependency edges used to make them. Every decision point clones the
// state, so abandoning a choice is a plain return to the caller's copy.
type state struct {
	selected  map[string]*selection
	providers map[string][]providerEntry
	// edges actually used to satisfy requirements, child -> parents
	edges map[int64][]int64
	roots []int64
}

func (st *state) clone() *state {
	c := &state{
		selected:  make(map[string]*selection, len(st.selected)),
		providers: make(map[string][]providerEntry, len(st.providers)),
		edges:     make(map[int64][]int64, len(st.edges)),
		roots:     append([]int64(nil), st.roots...),
	}
	for name, sel := range st.selected {
		c.selected[name] = &selection{
			pkg:   sel.pkg,
			terms: append([]constraint.Term(nil), sel.terms...),
		}
	}
	for name, entries := range st.providers {
		c.providers[name] = append([]providerEntry(nil), entries...)
	}
	for id, parents := range st.edges {
		c.edges[id] = append([]int64(nil), parents...)
	}
	return c
}

// attach records which package answered a requirement.
func (st *state) attach(origin, pkgID int64) {
	if origin != 0 {
		st.edges[origin] = append(st.edges[origin], pkgID)
	} else {
		st.roots = append(st.roots, pkgID)
	}
}

// trail survives backtracking: every constraint seen per name (so a
// conflict can be named from both sides), the recorded dead ends and the
// backtrack budget.
type trail struct {
	seen       map[string][]constraint.Term
	failures   []failure
	backtracks int
}

func (tr *trail) exhausted() bool { return tr.backtracks >= maxBacktracks }

// Resolve computes an installation plan for the request set: a sequence
// of packages in which every package appears after the dependencies used
// to select it. Every requested name appears in the plan or the whole
// call fails with one of the structured errors of this package.
func (r *Resolver) Resolve(ctx context.Context, requests []Request) ([]models.Package, error) {
	st := &state{
		selected:  make(map[string]*selection),
		providers: make(map[string][]providerEntry),
		edges:     make(map[int64][]int64),
	}
	tr := &trail{seen: make(map[string][]constraint.Term)}

	queue := make([]requirement, 0, len(requests))
	for _, req := range requests {
		term := constraint.Term{Name: req.Name, Relation: req.Relation, Version: req.Version, Eco: r.eco}
		queue = append(queue, requirement{set: constraint.AlternativeSet{term}})
	}

	final, err := r.solve(ctx, st, queue, tr)
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, r.diagnose(ctx, tr, tr.failures[0])
	}
	return r.linearize(final), nil
}

// solve satisfies the queued requirements depth-first. Each requirement
// tries its alternatives and candidates in preference order and recurses
// on the rest of the queue; when a choice later turns out to block the
// remaining requirements, the next option of the nearest earlier decision
// is tried instead. A nil state means every option dead-ended and a
// failure was recorded on the trail.
func (r *Resolver) solve(ctx context.Context, st *state, queue []requirement, tr *trail) (*state, error) {
	if len(queue) == 0 {
		return st, nil
	}
	req := queue[0]
	rest := queue[1:]

	var conflict *constraint.Term
	tried := make(map[int64]struct{})
	for _, term := range req.set {
		tr.seen[term.Name] = append(tr.seen[term.Name], term)

		// A version of this name already in the plan must satisfy the
		// term; a different version would contradict whatever pinned the
		// existing one.
		if sel, ok := st.selected[term.Name]; ok {
			if !term.Matches(sel.pkg.Version) {
				pinned := sel.terms[0]
				conflict = &pinned
				continue
			}
			next := st.clone()
			kept := next.selected[term.Name]
			kept.terms = append(kept.terms, term)
			next.attach(req.origin, kept.pkg.ID)
			final, err := r.solve(ctx, next, rest, tr)
			if err != nil || final != nil {
				return final, err
			}
			tr.backtracks++
			if tr.exhausted() {
				return nil, nil
			}
			continue
		}

		// An already-selected package may provide the virtual name.
		for _, pe := range st.providers[term.Name] {
			if term.Relation != constraint.RelNone && (pe.declared == "" || !term.Matches(pe.declared)) {
				continue
			}
			if _, dup := tried[pe.pkgID]; dup {
				continue
			}
			tried[pe.pkgID] = struct{}{}
			next := st.clone()
			next.attach(req.origin, pe.pkgID)
			final, err := r.solve(ctx, next, rest, tr)
			if err != nil || final != nil {
				return final, err
			}
			tr.backtracks++
			if tr.exhausted() {
				return nil, nil
			}
		}

		direct, err := r.store.FindPackages(ctx, term, r.arch, 0)
		if err != nil {
			return nil, err
		}
		virtual, err := r.store.FindProviders(ctx, term, r.arch, 0)
		if err != nil {
			return nil, err
		}
		for _, cand := range append(direct, virtual...) {
			if _, dup := tried[cand.ID]; dup {
				continue
			}
			if sel, ok := st.selected[cand.Name]; ok {
				if sel.pkg.ID != cand.ID {
					// Selecting a second version of an already-pinned name
					// is never valid; try the next-newest candidate.
					pinned := sel.terms[0]
					conflict = &pinned
					continue
				}
				tried[cand.ID] = struct{}{}
				next := st.clone()
				next.attach(req.origin, cand.ID)
				final, err := r.solve(ctx, next, rest, tr)
				if err != nil || final != nil {
					return final, err
				}
				tr.backtracks++
				if tr.exhausted() {
					return nil, nil
				}
				continue
			}

			tried[cand.ID] = struct{}{}
			next := st.clone()
			extra := r.choose(next, cand, term)
			followup := make([]requirement, 0, len(rest)+len(extra))
			followup = append(followup, rest...)
			followup = append(followup, extra...)
			final, err := r.solve(ctx, next, followup, tr)
			if err != nil || final != nil {
				return final, err
			}
			logrus.Debugf("resolver: backtracking off %s %s", cand.Name, cand.Version)
			tr.backtracks++
			if tr.exhausted() {
				return nil, nil
			}
		}
	}

	// Dead end. Record the still-queued constraints too, so a conflict
	// between this requirement and a sibling can be named from both sides.
	for _, pending := range rest {
		for _, t := range pending.set {
			tr.seen[t.Name] = append(tr.seen[t.Name], t)
		}
	}
	tr.failures = append(tr.failures, failure{set: req, conflict: conflict})
	return nil, nil
}

// choose records a fresh selection on the given search state and returns
// the requirements of its depends expression. Within one branch a package
// is expanded exactly once: a selected name is satisfied from the plan
// instead of being re-expanded, which is what terminates dependency
// cycles.
func (r *Resolver) choose(st *state, pkg models.Package, term constraint.Term) []requirement {
	logrus.Debugf("resolver: selected %s %s (%s)", pkg.Name, pkg.Version, pkg.Architecture)
	st.selected[pkg.Name] = &selection{pkg: pkg, terms: []constraint.Term{term}}
	for _, p := range constraint.ParseProvides(pkg.Provides, r.eco) {
		declared := ""
		if p.Relation == constraint.RelEqual {
			declared = p.Version
		}
		st.providers[p.Name] = append(st.providers[p.Name], providerEntry{pkgID: pkg.ID, declared: declared})
	}
	var extra []requirement
	for _, set := range constraint.Parse(pkg.Depends, r.eco) {
		extra = append(extra, requirement{set: set, origin: pkg.ID})
	}
	return extra
}

// diagnose converts the first recorded failure into the structured error
// taxonomy.
func (r *Resolver) diagnose(ctx context.Context, tr *trail, f failure) error {
	if len(f.set.set) > 1 {
		return &UnsatisfiableAlternativesError{Expression: f.set.set.String()}
	}
	term := f.set.set[0]

	if f.conflict != nil {
		return &VersionConflictError{
			Name:        term.Name,
			ConstraintA: term.String(),
			ConstraintB: f.conflict.String(),
		}
	}

	// Another requirement on the same name makes this a conflict between
	// the two constraints rather than a plain missing version.
	for _, other := range tr.seen[term.Name] {
		if other != term {
			return &VersionConflictError{
				Name:        term.Name,
				ConstraintA: term.String(),
				ConstraintB: other.String(),
			}
		}
	}

	if term.Relation != constraint.RelNone {
		bare := constraint.Term{Name: term.Name, Eco: term.Eco}
		any, err := r.store.FindPackages(ctx, bare, r.arch, 0)
		if err != nil {
			return err
		}
		if len(any) > 0 {
			return &NoSatisfyingVersionError{Name: term.Name, Constraint: term.String()}
		}
	}
	return &PackageNotFoundError{Name: term.Name}
}

// linearize produces the plan: a postorder walk over the dependency edges
// actually used, so every package follows the dependencies that selected
// it. In-progress marking keeps legitimate dependency cycles from
// recursing forever.
func (r *Resolver) linearize(st *state) []models.Package {
	byID := make(map[int64]models.Package, len(st.selected))
	for _, sel := range st.selected {
		byID[sel.pkg.ID] = sel.pkg
	}

	var plan []models.Package
	done := make(map[int64]bool)
	active := make(map[int64]bool)

	var visit func(id int64)
	visit = func(id int64) {
		if done[id] || active[id] {
			return
		}
		active[id] = true
		for _, dep := range st.edges[id] {
			visit(dep)
		}
		active[id] = false
		done[id] = true
		plan = append(plan, byID[id])
	}
	for _, root := range st.roots {
		visit(root)
	}
	return plan
}
