// Package promote turns a locally detected collision between the owned entity
// and the shared resource into one score increment and one resource respawn.
package promote

import (
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/store"
)

// Promotion is what one collision wrote.
type Promotion struct {
	Owner    string
	Points   int
	Consumed string
	Next     model.Resource
}

type Promoter struct {
	store        *store.Store
	entityRadius float64
	newResource  func() model.Resource

	// Resource id this replica already promoted; cleared when the slot's id
	// changes.
	consumed string
}

func New(st *store.Store, entityRadius float64, newResource func() model.Resource) *Promoter {
	return &Promoter{store: st, entityRadius: entityRadius, newResource: newResource}
}

// ResourceChanged re-arms detection once the slot holds a different resource.
func (p *Promoter) ResourceChanged(r model.Resource, ok bool) {
	if !ok || r.ID != p.consumed {
		p.consumed = ""
	}
}

// Check tests the owned entity at (x, y) against the current resource and
// promotes a hit. It reports false when nothing was written.
func (p *Promoter) Check(owner string, x, y float64) (Promotion, bool, error) {
	res, ok := p.store.Resource()
	if !ok || owner == "" || res.ID == p.consumed {
		return Promotion{}, false, nil
	}
	if model.Distance(x, y, res.X, res.Y) >= p.entityRadius+res.Radius {
		return Promotion{}, false, nil
	}
	p.consumed = res.ID

	pr := Promotion{Owner: owner, Consumed: res.ID, Next: p.newResource()}
	var err error
	p.store.Transact(func() {
		if pr.Points, err = p.increment(owner); err != nil {
			return
		}
		err = p.store.SetResource(pr.Next)
	})
	if err != nil {
		return pr, false, err
	}
	return pr, true, nil
}

// increment bumps owner's score by one. Rows duplicated by concurrent first
// scores collapse into the first row, carrying the highest count.
func (p *Promoter) increment(owner string) (int, error) {
	scores := p.store.Scores()
	var rows []int
	best := 0
	for i, s := range scores {
		if s.Owner == owner {
			rows = append(rows, i)
			if s.Points > best {
				best = s.Points
			}
		}
	}
	next := model.Score{Owner: owner, Points: best + 1}
	if len(rows) == 0 {
		return next.Points, p.store.PushScore(next)
	}
	for k := len(rows) - 1; k >= 1; k-- {
		if err := p.store.SpliceScores(rows[k], 1); err != nil {
			return 0, err
		}
	}
	return next.Points, p.store.SpliceScores(rows[0], 1, next)
}
