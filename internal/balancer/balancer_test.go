package balancer

import (
	"context"
	"fmt"
	"testing"

	"mjrelay/internal/channel"
	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

type idleSpawner struct{}

func (idleSpawner) Go(string, func(ctx context.Context) error) {}

type fakeTarget struct {
	acct  *domain.Account
	pool  *channel.Pool
	alive bool
}

func (f *fakeTarget) ID() string               { return f.acct.ID() }
func (f *fakeTarget) IsAlive() bool            { return f.alive }
func (f *fakeTarget) Account() *domain.Account { return f.acct }
func (f *fakeTarget) Pool() *channel.Pool      { return f.pool }

func newTarget(t *testing.T, d domain.AccountData, queued int) *fakeTarget {
	t.Helper()
	if d.ChannelIDs == nil {
		d.ChannelIDs = []string{"ch-" + d.ID}
	}
	d.Enabled = true
	d.EnableMJ = true
	pool := channel.NewPool(idleSpawner{}, channel.Options{})
	var cfgs []channel.Config
	for _, id := range d.ChannelIDs {
		cfgs = append(cfgs, channel.Config{ID: id, Enabled: true, QueueSize: 10, Concurrency: 1})
	}
	pool.Rebuild(cfgs)
	for n := range queued {
		job := domain.NewJob(domain.JobData{ID: fmt.Sprintf("%s-%d", d.ID, n), Action: domain.ActionImagine})
		if _, err := pool.Pick("").Enqueue(job, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	t.Cleanup(func() { pool.Close("test done") })
	return &fakeTarget{acct: domain.NewAccount(d), pool: pool, alive: true}
}

func newBalancer(rule Rule, targets ...*fakeTarget) *Balancer[*fakeTarget] {
	b := New[*fakeTarget](rule, logx.Nop())
	for _, t := range targets {
		b.Add(t)
	}
	return b
}

func TestChooseSkipsDeadTargets(t *testing.T) {
	t.Parallel()

	dead := newTarget(t, domain.AccountData{ID: "dead"}, 0)
	dead.alive = false
	live := newTarget(t, domain.AccountData{ID: "live"}, 5)
	b := newBalancer(nil, dead, live)

	for range 20 {
		got, ok := b.Choose(Filter{})
		if !ok || got.ID() != "live" {
			t.Fatalf("Choose = %v, %v", got, ok)
		}
	}
	live.alive = false
	if got, ok := b.Choose(Filter{}); ok {
		t.Fatalf("no live target, got %s", got.ID())
	}
	if got, ok := b.Choose(Filter{ChannelID: "ch-dead"}); ok {
		t.Fatalf("dead owner chosen: %s", got.ID())
	}
}

func TestChoosePrefersChannelOwner(t *testing.T) {
	t.Parallel()

	a := newTarget(t, domain.AccountData{ID: "a"}, 9)
	b := newTarget(t, domain.AccountData{ID: "b", PrivateChannelID: "dm-b"}, 0)
	bal := newBalancer(nil, a, b)

	if got, _ := bal.Choose(Filter{ChannelID: "ch-a"}); got.ID() != "a" {
		t.Fatalf("owner of ch-a = %s", got.ID())
	}
	if got, _ := bal.Choose(Filter{ChannelID: "dm-b"}); got.ID() != "b" {
		t.Fatalf("owner of dm-b = %s", got.ID())
	}
	if got, _ := bal.Choose(Filter{ChannelID: "elsewhere"}); got.ID() != "b" {
		t.Fatalf("unowned channel should fall back to the rule, got %s", got.ID())
	}
}

func TestChooseIdleQueue(t *testing.T) {
	t.Parallel()

	busy := newTarget(t, domain.AccountData{ID: "busy"}, 1)
	idle := newTarget(t, domain.AccountData{ID: "idle"}, 0)
	b := newBalancer(Random{}, busy, idle)

	for range 20 {
		got, ok := b.Choose(Filter{IdleQueue: true})
		if !ok || got.ID() != "idle" {
			t.Fatalf("Choose = %v, %v", got, ok)
		}
	}
	idle.alive = false
	if _, ok := b.Choose(Filter{IdleQueue: true}); ok {
		t.Fatalf("busy target passed the idle-queue filter")
	}
}

func TestFilters(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	cases := []struct {
		name   string
		acct   domain.AccountData
		filter Filter
		want   bool
	}{
		{"no constraints", domain.AccountData{}, Filter{}, true},
		{"instance id match", domain.AccountData{}, Filter{InstanceID: "x"}, true},
		{"instance id mismatch", domain.AccountData{}, Filter{InstanceID: "other"}, false},
		{"allowlist miss", domain.AccountData{}, Filter{AllowIDs: []string{"y", "z"}}, false},
		{"allowlist hit", domain.AccountData{}, Filter{AllowIDs: []string{"x"}}, true},
		{"continuation refused", domain.AccountData{}, Filter{Continue: true}, false},
		{"continuation allowed", domain.AccountData{AllowContinue: true}, Filter{Continue: true}, true},
		{"mode not allowed", domain.AccountData{AllowModes: []domain.SpeedMode{domain.ModeRelax}}, Filter{Modes: []domain.SpeedMode{domain.ModeFast}}, false},
		{"one of the modes allowed", domain.AccountData{AllowModes: []domain.SpeedMode{domain.ModeRelax}}, Filter{Modes: []domain.SpeedMode{domain.ModeFast, domain.ModeRelax}}, true},
		{"forced mode outside request", domain.AccountData{Mode: domain.ModeTurbo}, Filter{Modes: []domain.SpeedMode{domain.ModeRelax}}, false},
		{"forced mode inside request", domain.AccountData{Mode: domain.ModeRelax}, Filter{Modes: []domain.SpeedMode{domain.ModeRelax}}, true},
		{"remix mismatch", domain.AccountData{RemixOn: true}, Filter{Remix: &no}, false},
		{"remix mismatch with auto submit", domain.AccountData{RemixOn: true, RemixAutoSubmit: true}, Filter{Remix: &no}, true},
		{"remix match", domain.AccountData{RemixOn: true}, Filter{Remix: &yes}, true},
		{"blend disabled", domain.AccountData{}, Filter{Action: domain.ActionBlend}, false},
		{"blend enabled", domain.AccountData{AllowBlend: true}, Filter{Action: domain.ActionBlend}, true},
		{"describe disabled", domain.AccountData{}, Filter{Action: domain.ActionDescribe}, false},
		{"shorten enabled", domain.AccountData{AllowShorten: true}, Filter{Action: domain.ActionShorten}, true},
		{"niji disabled", domain.AccountData{}, Filter{Bot: domain.BotNiji}, false},
		{"niji enabled", domain.AccountData{EnableNiji: true}, Filter{Bot: domain.BotNiji}, true},
		{"domain requested, account generic", domain.AccountData{}, Filter{DomainID: "cats"}, false},
		{"domain requested, member", domain.AccountData{VerticalDomain: true, DomainIDs: []string{"cats"}}, Filter{DomainID: "cats"}, true},
		{"no domain requested", domain.AccountData{VerticalDomain: true, DomainIDs: []string{"cats"}}, Filter{}, true},
		{"daily limit reached", domain.AccountData{DayDrawLimit: 3, DayDrawCount: 3}, Filter{Action: domain.ActionImagine}, false},
		{"daily limit ignored for upscale", domain.AccountData{DayDrawLimit: 3, DayDrawCount: 3}, Filter{Action: domain.ActionUpscale}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.acct.ID = "x"
			b := newBalancer(nil, newTarget(t, tc.acct, 0))
			_, ok := b.Choose(tc.filter)
			if ok != tc.want {
				t.Fatalf("Choose ok = %v, want %v", ok, tc.want)
			}
		})
	}
}

func TestLeastLoadedPicksLowestRatio(t *testing.T) {
	t.Parallel()

	heavy := newTarget(t, domain.AccountData{ID: "heavy"}, 6)
	light := newTarget(t, domain.AccountData{ID: "light"}, 1)
	wide := newTarget(t, domain.AccountData{ID: "wide", ChannelIDs: []string{"w1", "w2", "w3"}}, 6)
	b := newBalancer(nil, heavy, light, wide)

	seen := map[string]int{}
	for range 200 {
		got, _ := b.Choose(Filter{})
		seen[got.ID()]++
	}
	if seen["heavy"] != 0 {
		t.Fatalf("heavy chosen %d times", seen["heavy"])
	}
	// light: 1/10, wide: 6/30
	if seen["light"] != 200 {
		t.Fatalf("distribution = %v", seen)
	}
}

func TestLeastLoadedTiesBreakAtRandom(t *testing.T) {
	t.Parallel()

	cands := []Candidate{{ID: "a", Load: 0.5}, {ID: "b", Load: 0.1}, {ID: "c", Load: 0.1}}
	seen := map[int]int{}
	for range 500 {
		seen[LeastLoaded{}.Pick(cands)]++
	}
	if seen[0] != 0 || seen[1] == 0 || seen[2] == 0 {
		t.Fatalf("picks = %v", seen)
	}
}

func TestRoundRobinRotates(t *testing.T) {
	t.Parallel()

	r := &RoundRobin{}
	cands := make([]Candidate, 3)
	var got []int
	for range 7 {
		got = append(got, r.Pick(cands))
	}
	want := []int{0, 1, 2, 0, 1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("picks = %v, want %v", got, want)
		}
	}
}

func TestWeightedFollowsWeights(t *testing.T) {
	t.Parallel()

	cands := []Candidate{{ID: "a", Weight: 9}, {ID: "b", Weight: 1}, {ID: "c", Weight: 0}}
	seen := make([]int, 3)
	for range 5000 {
		seen[Weighted{}.Pick(cands)]++
	}
	if seen[0] < seen[1]*4 || seen[1] == 0 || seen[2] == 0 {
		t.Fatalf("picks = %v", seen)
	}
}

func TestNewRule(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                RuleLeastLoaded,
		"least-loaded":    RuleLeastLoaded,
		"ROUND_ROBIN":     RuleRoundRobin,
		"random":          RuleRandom,
		"weighted-random": RuleWeighted,
	}
	for in, want := range cases {
		r, err := NewRule(in)
		if err != nil || r.Name() != want {
			t.Fatalf("NewRule(%q) = %v, %v", in, r, err)
		}
	}
	if _, err := NewRule("fastest"); err == nil {
		t.Fatalf("unknown rule accepted")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	a := newTarget(t, domain.AccountData{ID: "a"}, 0)
	b := newBalancer(&RoundRobin{}, a)
	replacement := newTarget(t, domain.AccountData{ID: "a", Weight: 3}, 0)
	b.Add(replacement)
	if all := b.All(); len(all) != 1 || all[0] != replacement {
		t.Fatalf("Add should replace by id, got %d targets", len(all))
	}
	b.SetRule(Weighted{})
	if b.Rule().Name() != RuleWeighted {
		t.Fatalf("rule = %s", b.Rule().Name())
	}
	if _, ok := b.Remove("a"); !ok {
		t.Fatalf("Remove failed")
	}
	if _, ok := b.Get("a"); ok {
		t.Fatalf("removed target still registered")
	}
}
