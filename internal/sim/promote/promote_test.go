package promote

import (
	"fmt"
	"testing"

	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/store"
)

func newPromoter(st *store.Store) *Promoter {
	n := 0
	return New(st, 18, func() model.Resource {
		n++
		return model.Resource{ID: fmt.Sprintf("food-%d", n), X: 300, Y: 300, Radius: 8}
	})
}

func TestCheck_CollisionScoresAndRespawns(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	_ = st.SetResource(model.Resource{ID: "food-0", X: 100, Y: 100, Radius: 8})
	_ = st.PushScore(model.Score{Owner: "alice", Points: 4})
	p := newPromoter(st)

	pr, ok, err := p.Check("alice", 105, 103)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if pr.Points != 5 || pr.Consumed != "food-0" {
		t.Fatalf("promotion=%+v", pr)
	}
	if got := st.Scores(); len(got) != 1 || got[0].Points != 5 {
		t.Fatalf("scores=%+v", got)
	}
	if res, _ := st.Resource(); res.ID == "food-0" || res.ID != pr.Next.ID {
		t.Fatalf("resource not replaced: %+v", res)
	}
}

func TestCheck_FirstScoreCreatesRow(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	_ = st.SetResource(model.Resource{ID: "food-0", X: 100, Y: 100, Radius: 8})
	p := newPromoter(st)

	if _, ok, _ := p.Check("bob", 100, 110); !ok {
		t.Fatalf("expected a hit")
	}
	if got := st.Scores(); len(got) != 1 || got[0] != (model.Score{Owner: "bob", Points: 1}) {
		t.Fatalf("scores=%+v", got)
	}
}

func TestCheck_Miss(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	_ = st.SetResource(model.Resource{ID: "food-0", X: 100, Y: 100, Radius: 8})
	p := newPromoter(st)

	if _, ok, _ := p.Check("alice", 130, 100); ok {
		t.Fatalf("30px apart should not collide")
	}
	if len(st.Scores()) != 0 {
		t.Fatalf("miss wrote a score")
	}
}

func TestCheck_ConsumedResourceIsNotPromotedTwice(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	stale := model.Resource{ID: "food-0", X: 100, Y: 100, Radius: 8}
	_ = st.SetResource(stale)
	p := newPromoter(st)

	if _, ok, _ := p.Check("alice", 100, 100); !ok {
		t.Fatalf("expected a hit")
	}
	// A lagging replica writes the consumed resource back into the slot.
	_ = st.SetResource(stale)
	p.ResourceChanged(stale, true)
	for i := 0; i < 5; i++ {
		if _, ok, _ := p.Check("alice", 100, 100); ok {
			t.Fatalf("frame %d promoted the same resource twice", i)
		}
	}
	if got := st.Scores(); len(got) != 1 || got[0].Points != 1 {
		t.Fatalf("scores=%+v", got)
	}
}

func TestCheck_RearmsOnNewResource(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	_ = st.SetResource(model.Resource{ID: "food-0", X: 100, Y: 100, Radius: 8})
	p := newPromoter(st)
	unsub := st.ObserveResource(p.ResourceChanged)
	defer unsub()

	for i := 0; i < 3; i++ {
		res, _ := st.Resource()
		pr, ok, err := p.Check("alice", res.X, res.Y)
		if err != nil || !ok {
			t.Fatalf("round %d: ok=%v err=%v", i, ok, err)
		}
		if pr.Points != i+1 {
			t.Fatalf("round %d: points=%d", i, pr.Points)
		}
	}
}

func TestIncrement_CollapsesDuplicateRows(t *testing.T) {
	st := store.New(replica.NewDoc("t"))
	_ = st.PushScore(model.Score{Owner: "alice", Points: 2})
	_ = st.PushScore(model.Score{Owner: "bob", Points: 1})
	_ = st.PushScore(model.Score{Owner: "alice", Points: 3})
	p := newPromoter(st)

	n, err := p.increment("alice")
	if err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := st.Scores()
	want := []model.Score{{Owner: "alice", Points: 4}, {Owner: "bob", Points: 1}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("scores=%v want %v", got, want)
	}
}
