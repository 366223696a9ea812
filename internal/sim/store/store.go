// Package store is the view of the shared tank over a replicated document:
// the entity list, the single resource slot and the score list.
package store

import (
	"errors"

	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/model"
)

// Collection names, shared with every other client of the room.
const (
	ListEntities = "fishes"
	MapResource  = "food"
	KeyResource  = "current"
	ListScores   = "scores"
)

// ErrNotReady is returned by mutations issued before a document is attached.
// Callers treat it as a skipped write; nothing is queued.
var ErrNotReady = errors.New("store: not ready")

// EntityChange is delivered after every change of the entity list.
type EntityChange struct {
	Entities []model.Entity
	Delta    []replica.Change[model.Entity]
	Local    bool
}

// Store exposes the replicated collections. All writes are index based and
// should be computed from a fresh read of the collection they modify.
type Store struct {
	doc      *replica.Doc
	entities *replica.Array[model.Entity]
	resource *replica.Map[model.Resource]
	scores   *replica.Array[model.Score]
}

// New wraps doc. A nil doc gives a store that reads empty and skips writes.
func New(doc *replica.Doc) *Store {
	s := &Store{doc: doc}
	if doc != nil {
		s.entities = replica.NewArray[model.Entity](doc, ListEntities)
		s.resource = replica.NewMap[model.Resource](doc, MapResource)
		s.scores = replica.NewArray[model.Score](doc, ListScores)
	}
	return s
}

func (s *Store) Ready() bool { return s != nil && s.doc != nil }

func (s *Store) Doc() *replica.Doc { return s.doc }

func (s *Store) Entities() []model.Entity {
	if !s.Ready() {
		return nil
	}
	return s.entities.ToArray()
}

func (s *Store) Resource() (model.Resource, bool) {
	if !s.Ready() {
		return model.Resource{}, false
	}
	return s.resource.Get(KeyResource)
}

func (s *Store) Scores() []model.Score {
	if !s.Ready() {
		return nil
	}
	return s.scores.ToArray()
}

// Transact runs fn as one replicated transaction when the document supports
// it. Observers fire after fn returns.
func (s *Store) Transact(fn func()) {
	if !s.Ready() {
		fn()
		return
	}
	s.doc.Transact(fn)
}

// OnSynced runs fn once the replica caught up with the room's persisted state.
func (s *Store) OnSynced(fn func()) {
	if s.Ready() {
		s.doc.OnSync(fn)
	}
}

func (s *Store) Synced() bool { return s.Ready() && s.doc.Synced() }

func (s *Store) ReplaceEntities(list []model.Entity) error {
	if !s.Ready() {
		return ErrNotReady
	}
	var err error
	s.doc.Transact(func() {
		if n := s.entities.Len(); n > 0 {
			if err = s.entities.Delete(0, n); err != nil {
				return
			}
		}
		err = s.entities.Insert(0, list...)
	})
	return err
}

// SpliceEntities deletes deleteCount entities at index and inserts items there.
func (s *Store) SpliceEntities(index, deleteCount int, items ...model.Entity) error {
	if !s.Ready() {
		return ErrNotReady
	}
	var err error
	s.doc.Transact(func() {
		if err = s.entities.Delete(index, deleteCount); err != nil {
			return
		}
		err = s.entities.Insert(index, items...)
	})
	return err
}

func (s *Store) PushEntity(e model.Entity) error {
	if !s.Ready() {
		return ErrNotReady
	}
	return s.entities.Push(e)
}

// RemoveEntity deletes the entity with the given id, searching from the end.
func (s *Store) RemoveEntity(id string) error {
	if !s.Ready() {
		return ErrNotReady
	}
	list := s.entities.ToArray()
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ID == id {
			return s.entities.Delete(i, 1)
		}
	}
	return nil
}

func (s *Store) SetResource(r model.Resource) error {
	if !s.Ready() {
		return ErrNotReady
	}
	return s.resource.Set(KeyResource, r)
}

func (s *Store) SpliceScores(index, deleteCount int, items ...model.Score) error {
	if !s.Ready() {
		return ErrNotReady
	}
	var err error
	s.doc.Transact(func() {
		if err = s.scores.Delete(index, deleteCount); err != nil {
			return
		}
		err = s.scores.Insert(index, items...)
	})
	return err
}

func (s *Store) PushScore(sc model.Score) error {
	if !s.Ready() {
		return ErrNotReady
	}
	return s.scores.Push(sc)
}

func (s *Store) ObserveEntities(fn func(EntityChange)) func() {
	if !s.Ready() {
		return func() {}
	}
	return s.entities.Observe(func(ch replica.ArrayChange[model.Entity]) {
		fn(EntityChange{Entities: s.entities.ToArray(), Delta: ch.Delta, Local: ch.Local})
	})
}

func (s *Store) ObserveResource(fn func(r model.Resource, ok bool)) func() {
	if !s.Ready() {
		return func() {}
	}
	return s.resource.Observe(func(ev replica.MapEvent) {
		for _, k := range ev.Keys {
			if k == KeyResource {
				r, ok := s.resource.Get(KeyResource)
				fn(r, ok)
				return
			}
		}
	})
}

func (s *Store) ObserveScores(fn func([]model.Score)) func() {
	if !s.Ready() {
		return func() {}
	}
	return s.scores.Observe(func(replica.ArrayChange[model.Score]) {
		fn(s.scores.ToArray())
	})
}
