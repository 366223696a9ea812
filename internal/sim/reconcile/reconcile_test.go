package reconcile

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/store"
	"fishtank.ai/internal/sim/tuning"
)

type memClaims struct {
	id  string
	err error
}

func (c *memClaims) EntityID() string { return c.id }

func (c *memClaims) SetEntityID(id string) error {
	if c.err != nil {
		return c.err
	}
	c.id = id
	return nil
}

func newReconciler(st *store.Store, claims Claims, name string) *Reconciler {
	n := 0
	r := New(Options{
		Store:  st,
		Claims: claims,
		Tuning: tuning.Defaults(),
		Rand:   rand.New(rand.NewSource(1)),
		NewID: func() string {
			n++
			return fmt.Sprintf("%s-%d", name, n)
		},
	})
	r.SetIdentity(Identity{Name: name, Color: "red"})
	return r
}

func ids(list []model.Entity) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}

func ownedBy(list []model.Entity, owner string) []string {
	var out []string
	for _, e := range list {
		if e.Owner == owner {
			out = append(out, e.ID)
		}
	}
	return out
}

func TestRun_KeepsFirstOwnedEntity(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	for _, e := range []model.Entity{
		{ID: "A", Owner: "alice", Color: "red"},
		{ID: "X", Owner: "bob", Color: "blue"},
		{ID: "B", Owner: "alice", Color: "red"},
	} {
		if err := st.PushEntity(e); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	claims := &memClaims{}
	r := newReconciler(st, claims, "alice")

	res, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := ownedBy(st.Entities(), "alice"); len(got) != 1 || got[0] != "A" {
		t.Fatalf("alice owns %v, want [A]", got)
	}
	if got := ids(st.Entities()); fmt.Sprint(got) != "[A X]" {
		t.Fatalf("list=%v", got)
	}
	if res.Mine != "A" || r.Mine() != "A" || claims.id != "A" {
		t.Fatalf("mine=%q/%q persisted=%q", res.Mine, r.Mine(), claims.id)
	}
	if res.Removed != 1 || res.Created {
		t.Fatalf("result=%+v", res)
	}
	if !res.ResourceCreated {
		t.Fatalf("resource not bootstrapped")
	}
}

func TestRun_IsIdempotent(t *testing.T) {
	doc := replica.NewDoc("t")
	st := store.New(doc)
	r := newReconciler(st, &memClaims{}, "alice")

	first, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !first.Created || !first.ResourceCreated {
		t.Fatalf("first pass=%+v", first)
	}
	snap := doc.Snapshot()

	second, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if second.Mutated() {
		t.Fatalf("second pass mutated: %+v", second)
	}
	if !reflect.DeepEqual(doc.Snapshot(), snap) {
		t.Fatalf("second pass changed the document")
	}
	if second.Mine != first.Mine {
		t.Fatalf("mine changed %q -> %q", first.Mine, second.Mine)
	}
}

func TestRun_CreatesEntityWithLocalMotion(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	locals := model.NewLocals()
	r := New(Options{Store: st, Locals: locals, Claims: &memClaims{}, Tuning: tuning.Defaults(), Rand: rand.New(rand.NewSource(2))})
	r.SetIdentity(Identity{Name: "carol", Color: "green"})
	r.SetArena(400, 300)

	res, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	list := st.Entities()
	if len(list) != 1 || list[0].Owner != "carol" || list[0].Color != "green" {
		t.Fatalf("entities=%+v", list)
	}
	m, ok := locals.Get(res.Mine)
	if !ok {
		t.Fatalf("no local motion for %q", res.Mine)
	}
	if m.X != 200 || m.Y != 150 {
		t.Fatalf("spawned at (%v,%v), want arena center", m.X, m.Y)
	}
	res2, ok := st.Resource()
	if !ok || res2.X < res2.Radius || res2.X > 400-res2.Radius || res2.Y < res2.Radius || res2.Y > 300-res2.Radius {
		t.Fatalf("resource=%+v ok=%v", res2, ok)
	}
}

func TestRun_RenameRewritesInPlaceKeepingMotion(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	for _, e := range []model.Entity{
		{ID: "X", Owner: "bob"},
		{ID: "A", Owner: "alice", Color: "red", X: 5, Y: 5},
		{ID: "Y", Owner: "dave"},
	} {
		_ = st.PushEntity(e)
	}
	locals := model.NewLocals()
	locals.Set("A", model.Motion{X: 123, Y: 77, BaseSpeed: 1, Style: model.StyleSlow})
	r := New(Options{Store: st, Locals: locals, Claims: &memClaims{id: "A"}, Tuning: tuning.Defaults()})
	r.SetIdentity(Identity{Name: "alicia", Color: "pink"})

	res, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	list := st.Entities()
	if fmt.Sprint(ids(list)) != "[X A Y]" {
		t.Fatalf("order changed: %v", ids(list))
	}
	a := list[1]
	if a.Owner != "alicia" || a.Color != "pink" {
		t.Fatalf("identity not rewritten: %+v", a)
	}
	if a.X != 123 || a.Y != 77 || a.SwimmingStyle != model.StyleSlow {
		t.Fatalf("local motion not preserved: %+v", a)
	}
	if !res.Rewritten || res.Created || res.Mine != "A" {
		t.Fatalf("result=%+v", res)
	}
}

func TestRun_DedupPrefersOwnCopy(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	for _, e := range []model.Entity{
		{ID: "A", Owner: "bob", X: 1},
		{ID: "C", Owner: "carol", X: 1},
		{ID: "A", Owner: "alice", Color: "red", X: 2},
		{ID: "C", Owner: "carol", X: 2},
	} {
		_ = st.PushEntity(e)
	}
	r := newReconciler(st, &memClaims{}, "alice")

	res, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	list := st.Entities()
	if res.Deduped != 2 || len(list) != 2 {
		t.Fatalf("deduped=%d list=%+v", res.Deduped, list)
	}
	if list[0].ID != "C" || list[0].X != 1 {
		t.Fatalf("first copy of C should survive: %+v", list[0])
	}
	if list[1].ID != "A" || list[1].Owner != "alice" {
		t.Fatalf("own copy of A should survive: %+v", list[1])
	}
}

func TestRun_NotReadyIsNoop(t *testing.T) {
	claims := &memClaims{}
	r := newReconciler(store.New(nil), claims, "alice")
	res, err := r.Run()
	if err != nil || res.Mutated() || claims.id != "" || r.Mine() != "" {
		t.Fatalf("res=%+v err=%v claims=%q", res, err, claims.id)
	}
}

func TestRun_ClaimStorageFailureIsNotFatal(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	r := newReconciler(st, &memClaims{err: errors.New("quota")}, "alice")
	res, err := r.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.Mine() == "" || r.Mine() != res.Mine {
		t.Fatalf("in-memory claim lost: %q", r.Mine())
	}
}

func TestConcurrentCreatesConvergeToFirst(t *testing.T) {
	hub := replica.NewHub()
	d1, d2 := replica.NewDoc("r1"), replica.NewDoc("r2")
	hub.Join(d1)
	hub.Join(d2)
	hub.Flush()

	s1, s2 := store.New(d1), store.New(d2)
	r1 := newReconciler(s1, &memClaims{}, "alice")
	r2 := newReconciler(s2, &memClaims{}, "alice")
	r2.newID = func() string { return "tab2" }

	// Both tabs create before seeing each other.
	if _, err := r1.Run(); err != nil {
		t.Fatalf("r1: %v", err)
	}
	if _, err := r2.Run(); err != nil {
		t.Fatalf("r2: %v", err)
	}
	hub.Flush()

	if got := ownedBy(s1.Entities(), "alice"); len(got) != 2 {
		t.Fatalf("expected the race to produce two entities, got %v", got)
	}
	first := s1.Entities()[0].ID

	if _, err := r1.Run(); err != nil {
		t.Fatalf("r1: %v", err)
	}
	if _, err := r2.Run(); err != nil {
		t.Fatalf("r2: %v", err)
	}
	hub.Flush()

	for i, st := range []*store.Store{s1, s2} {
		got := ownedBy(st.Entities(), "alice")
		if len(got) != 1 || got[0] != first {
			t.Fatalf("replica %d: alice owns %v, want [%s]", i+1, got, first)
		}
	}
	if r1.Mine() != first || r2.Mine() != first {
		t.Fatalf("mine: %q %q want %q", r1.Mine(), r2.Mine(), first)
	}
	a, _ := s1.Resource()
	b, _ := s2.Resource()
	if a.ID == "" || a != b {
		t.Fatalf("resources diverged: %+v vs %+v", a, b)
	}
}
