// Package reconcile repairs the shared entity list so that every owner has
// exactly one entity and a resource exists. A pass only reads the latest
// snapshot and writes the difference, so it can be rerun at any time.
package reconcile

import (
	"log"
	"math/rand"

	"github.com/google/uuid"

	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/store"
	"fishtank.ai/internal/sim/tuning"
)

// Claims persists the id of the entity this replica owns.
type Claims interface {
	EntityID() string
	SetEntityID(id string) error
}

type Identity struct {
	Name  string
	Color string
}

// Result describes what one pass wrote.
type Result struct {
	Mine            string
	Deduped         int
	Rewritten       bool
	Created         bool
	Removed         int
	ResourceCreated bool
}

func (r Result) Mutated() bool {
	return r.Deduped > 0 || r.Rewritten || r.Created || r.Removed > 0 || r.ResourceCreated
}

type Options struct {
	Store  *store.Store
	Locals *model.Locals
	Claims Claims
	Tuning tuning.Tuning
	Rand   *rand.Rand
	Logger *log.Logger

	// NewID defaults to random UUIDs.
	NewID func() string
}

type Reconciler struct {
	store  *store.Store
	locals *model.Locals
	claims Claims
	tune   tuning.Tuning
	rng    *rand.Rand
	logger *log.Logger
	newID  func() string

	ident  Identity
	width  float64
	height float64
	mine   string
}

func New(opts Options) *Reconciler {
	r := &Reconciler{
		store:  opts.Store,
		locals: opts.Locals,
		claims: opts.Claims,
		tune:   opts.Tuning,
		rng:    opts.Rand,
		logger: opts.Logger,
		newID:  opts.NewID,
		width:  opts.Tuning.ArenaWidth,
		height: opts.Tuning.ArenaHeight,
	}
	if r.locals == nil {
		r.locals = model.NewLocals()
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(1))
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.NewString() }
	}
	return r
}

func (r *Reconciler) SetIdentity(id Identity) { r.ident = id }

func (r *Reconciler) Identity() Identity { return r.ident }

func (r *Reconciler) SetArena(width, height float64) {
	r.width, r.height = width, height
}

// Mine is the id of the entity this replica owns, or "" before the first pass
// and after Release.
func (r *Reconciler) Mine() string { return r.mine }

// Release forgets the owned entity without touching the store.
func (r *Reconciler) Release() { r.mine = "" }

// Run executes one reconciliation pass in a single transaction. The claimed
// id is persisted only when every write of the pass succeeded.
func (r *Reconciler) Run() (Result, error) {
	var res Result
	if !r.store.Ready() {
		return res, nil
	}
	var err error
	r.store.Transact(func() {
		err = r.pass(&res)
	})
	if err != nil {
		return res, err
	}
	r.mine = res.Mine
	if r.claims != nil && res.Mine != "" && r.claims.EntityID() != res.Mine {
		if perr := r.claims.SetEntityID(res.Mine); perr != nil && r.logger != nil {
			// Storage failures fall back to the in-memory claim.
			r.logger.Printf("reconcile: persist entity id: %v", perr)
		}
	}
	return res, nil
}

func (r *Reconciler) pass(res *Result) error {
	n, err := r.dedup()
	res.Deduped = n
	if err != nil {
		return err
	}

	if res.Rewritten, err = r.adopt(); err != nil {
		return err
	}

	if err := r.repairOwner(res); err != nil {
		return err
	}

	if _, ok := r.store.Resource(); !ok {
		res.ResourceCreated = true
		if err := r.store.SetResource(r.NewResource()); err != nil {
			return err
		}
	}
	return nil
}

// Dedup runs only the identity deduplication step in its own transaction.
func (r *Reconciler) Dedup() (int, error) {
	if !r.store.Ready() {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	r.store.Transact(func() { n, err = r.dedup() })
	return n, err
}

// dedup drops repeated ids. The surviving copy is the first one owned by the
// local user when there is one, otherwise the first in list order. Copies are
// deleted individually so concurrent passes on other replicas delete the same
// nodes instead of inserting fresh ones.
func (r *Reconciler) dedup() (int, error) {
	list := r.store.Entities()
	keep := make(map[string]int, len(list))
	for i, e := range list {
		j, seen := keep[e.ID]
		if !seen || (list[j].Owner != r.ident.Name && e.Owner == r.ident.Name) {
			keep[e.ID] = i
		}
	}
	if len(keep) == len(list) {
		return 0, nil
	}
	removed := 0
	for i := len(list) - 1; i >= 0; i-- {
		if keep[list[i].ID] == i {
			continue
		}
		if err := r.store.SpliceEntities(i, 1); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// adopt claims the persisted entity id and rewrites its owner and color in
// place if they drifted. Local motion wins over the stored fields.
func (r *Reconciler) adopt() (bool, error) {
	if r.claims == nil {
		return false, nil
	}
	id := r.claims.EntityID()
	if id == "" {
		return false, nil
	}
	list := r.store.Entities()
	for i, e := range list {
		if e.ID != id {
			continue
		}
		m := r.seed(e)
		if e.Owner == r.ident.Name && e.Color == r.ident.Color {
			return false, nil
		}
		next := m.Record(e)
		next.Owner, next.Color = r.ident.Name, r.ident.Color
		return true, r.store.SpliceEntities(i, 1, next)
	}
	return false, nil
}

// repairOwner leaves exactly one entity owned by the local user: the first
// in list order. With none it appends a fresh one at the arena center.
func (r *Reconciler) repairOwner(res *Result) error {
	list := r.store.Entities()
	var owned []int
	for i, e := range list {
		if e.Owner == r.ident.Name {
			owned = append(owned, i)
		}
	}

	if len(owned) == 0 {
		e, m := model.NewEntity(r.newID(), r.ident.Name, r.ident.Color, r.width/2, r.height/2, r.tune.Spawn, r.rng)
		if err := r.store.PushEntity(e); err != nil {
			return err
		}
		r.locals.Set(e.ID, m)
		res.Created = true
		res.Mine = e.ID
		return nil
	}

	for k := len(owned) - 1; k >= 1; k-- {
		if err := r.store.SpliceEntities(owned[k], 1); err != nil {
			return err
		}
		res.Removed++
	}

	idx := owned[0]
	kept := list[idx]
	res.Mine = kept.ID
	m := r.seed(kept)
	if kept.Color != r.ident.Color {
		next := m.Record(kept)
		next.Color = r.ident.Color
		res.Rewritten = true
		return r.store.SpliceEntities(idx, 1, next)
	}
	return nil
}

// seed makes sure local motion exists for e and returns it.
func (r *Reconciler) seed(e model.Entity) model.Motion {
	if m, ok := r.locals.Get(e.ID); ok {
		return m
	}
	m := model.Derive(e, r.tune.Spawn, r.rng)
	r.locals.Set(e.ID, m)
	return m
}

// NewResource draws a resource at a random in-bounds position.
func (r *Reconciler) NewResource() model.Resource {
	return model.NewResource(r.newID(), r.width, r.height, r.tune.ResourceRadius, r.rng)
}
