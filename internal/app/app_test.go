package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mjrelay/internal/balancer"
	"mjrelay/internal/config"
	"mjrelay/internal/domain"
	"mjrelay/internal/gateway"
	"mjrelay/internal/instance"
	"mjrelay/pkg/logx"
)

type fakeConn struct {
	live  atomic.Bool
	queue *gateway.Queue
}

func (f *fakeConn) Start(context.Context, bool) error {
	f.live.Store(true)
	return nil
}

func (f *fakeConn) WaitLive(ctx context.Context) error {
	for !f.live.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

func (f *fakeConn) IsLive() bool               { return f.live.Load() }
func (f *fakeConn) Session() gateway.Session   { return gateway.Session{} }
func (f *fakeConn) Dispatches() *gateway.Queue { return f.queue }

func (f *fakeConn) State() gateway.State {
	if f.live.Load() {
		return gateway.StateConnected
	}
	return gateway.StateDisconnected
}

func (f *fakeConn) Close() error {
	f.live.Store(false)
	f.queue.Close()
	return nil
}

type conns struct {
	mu  sync.Mutex
	all map[string]*fakeConn
}

func (c *conns) get(id string) *fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all[id]
}

func (c *conns) make(acct domain.AccountData) instance.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all == nil {
		c.all = map[string]*fakeConn{}
	}
	fc := &fakeConn{queue: gateway.NewQueue()}
	c.all[acct.ID] = fc
	return fc
}

func vendorServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v9/guilds/{guild}/application-command-index", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"application_commands":[
			{"id":"cmd-imagine","version":"v1","name":"imagine","application_id":"936929561302675456","type":1}
		]}`)
	})
	mux.HandleFunc("POST /api/v9/interactions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func ptr[T any](v T) *T { return &v }

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Vendor:   config.VendorConfig{BaseURL: baseURL, RatePerSec: 1000, Burst: 100},
		Balancer: config.BalancerConfig{Rule: "least_loaded"},
		Accounts: []config.AccountConfig{
			{ID: "a1", UserToken: "tok-1", GuildID: "g1", ChannelIDs: []string{"c1"}, CoreSize: 1},
			{ID: "a2", UserToken: "tok-2", GuildID: "g1", ChannelIDs: []string{"c2"}, CoreSize: 1, EnableNiji: ptr(false)},
		},
	}
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, _ := startAppConns(t, cfg)
	return a
}

func startAppConns(t *testing.T, cfg *config.Config) (*App, *conns) {
	t.Helper()
	c := &conns{}
	a, err := NewFromConfig(context.Background(), cfg, WithConnections(c.make), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, StopAppStop)
		cancel()
	})
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a, c
}

func waitJob(t *testing.T, a *App, id string, cond func(d domain.JobData) bool) domain.JobData {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		d, err := a.Job(context.Background(), id)
		if err == nil && cond(d) {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %s: %+v (err %v)", id, d, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRoutesToLiveAccount(t *testing.T) {
	t.Parallel()
	a := startApp(t, testConfig(vendorServer(t).URL))
	if err := a.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	res, err := a.Submit(context.Background(), Request{Prompt: "a cat", Bot: domain.BotNiji})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.AccountID != "a1" {
		t.Fatalf("account = %q, want a1 (a2 has niji disabled)", res.AccountID)
	}
	if res.Code == instance.Rejected {
		t.Fatalf("rejected: %s", res.Reason)
	}
	got, err := a.Job(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.AccountID != "a1" || got.Action != domain.ActionImagine {
		t.Fatalf("stored job = %+v", got)
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	a := startApp(t, testConfig(vendorServer(t).URL))

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown account", Request{Prompt: "x", AccountID: "zz"}, ErrNoInstance},
		{"follow-on without parent", Request{Action: domain.ActionUpscale, CustomID: "MJ::JOB::upsample::1::h"}, instance.ErrMissingInput},
		{"missing parent", Request{Action: domain.ActionUpscale, ParentID: "nope", CustomID: "MJ::JOB::upsample::1::h"}, ErrNoParent},
		{"describe without image", Request{Action: domain.ActionDescribe}, instance.ErrMissingInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Submit(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFollowOnPinsParentAccount(t *testing.T) {
	t.Parallel()
	a := startApp(t, testConfig(vendorServer(t).URL))

	parent := domain.JobData{
		ID:        "p1",
		Action:    domain.ActionImagine,
		Status:    domain.StatusSuccess,
		MessageID: "m1",
		AccountID: "a2",
		ChannelID: "c2",
	}
	if err := a.Store().SaveJob(context.Background(), parent); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		res, err := a.Submit(context.Background(), Request{
			Action:   domain.ActionUpscale,
			ParentID: "p1",
			CustomID: "MJ::JOB::upsample::1::hash",
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if res.AccountID != "a2" {
			t.Fatalf("account = %q, want a2", res.AccountID)
		}
		got, err := a.Job(context.Background(), res.JobID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Props.TargetMessageID != "m1" || got.ParentID != "p1" {
			t.Fatalf("job props = %+v", got)
		}
	}
}

func TestFollowOnResultMatchedByParentPrompt(t *testing.T) {
	t.Parallel()
	a, c := startAppConns(t, testConfig(vendorServer(t).URL))

	parent := domain.JobData{
		ID:         "p1",
		Action:     domain.ActionImagine,
		Status:     domain.StatusSuccess,
		Prompt:     "a cat",
		PromptFull: "a cat --v 6",
		MessageID:  "m1",
		AccountID:  "a2",
		ChannelID:  "c2",
		Props:      domain.JobProps{FinalPrompt: "a cat --v 6"},
	}
	if err := a.Store().SaveJob(context.Background(), parent); err != nil {
		t.Fatal(err)
	}

	res, err := a.Submit(context.Background(), Request{
		Action:   domain.ActionUpscale,
		ParentID: "p1",
		CustomID: "MJ::JOB::upsample::1::hash",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := waitJob(t, a, res.JobID, func(d domain.JobData) bool { return d.Status == domain.StatusSubmitted })
	if got.Prompt != "a cat" || got.PromptFull != "a cat --v 6" || got.Props.FinalPrompt != "a cat --v 6" {
		t.Fatalf("follow-on prompts = %q %q %q", got.Prompt, got.PromptFull, got.Props.FinalPrompt)
	}

	file := "user_a_cat_0f3c2a9e-1111-2222-3333-444455556666.png"
	payload, err := json.Marshal(map[string]any{
		"id":         "r1",
		"channel_id": "c2",
		"content":    "**a cat --v 6** - Image #1 <@1>",
		"attachments": []map[string]any{{
			"id":       "att-1",
			"url":      "https://cdn.example.com/" + file,
			"filename": file,
			"width":    1024,
			"height":   1024,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	c.get("a2").queue.Push(gateway.Dispatch{Type: "MESSAGE_CREATE", Data: payload, Received: time.Now()})

	done := waitJob(t, a, res.JobID, func(d domain.JobData) bool { return d.Status == domain.StatusSuccess })
	if done.MessageID != "r1" || done.ParentID != "p1" {
		t.Fatalf("result job = %+v", done)
	}
}

func TestNoLiveAccount(t *testing.T) {
	t.Parallel()
	cfg := testConfig(vendorServer(t).URL)
	for i := range cfg.Accounts {
		cfg.Accounts[i].Enabled = ptr(false)
	}
	a := startApp(t, cfg)
	if err := a.Ready(); !errors.Is(err, ErrNoLiveAccount) {
		t.Fatalf("Ready = %v", err)
	}
	if _, err := a.Submit(context.Background(), Request{Prompt: "x"}); !errors.Is(err, ErrNoInstance) {
		t.Fatalf("Submit err = %v", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	a := startApp(t, testConfig(vendorServer(t).URL))
	if a.Cancel("missing", "") {
		t.Fatal("Cancel of unknown job reported true")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	srv := vendorServer(t)
	a := startApp(t, testConfig(srv.URL))

	next := testConfig(srv.URL)
	next.Balancer.Rule = "random"
	next.Accounts = []config.AccountConfig{
		{ID: "a2", UserToken: "tok-2", GuildID: "g1", ChannelIDs: []string{"c2"}, Enabled: ptr(false)},
		{ID: "a3", UserToken: "tok-3", GuildID: "g1", ChannelIDs: []string{"c3"}, CoreSize: 1},
	}
	a.applyConfig(context.Background(), next)

	if got := a.Balancer().Rule().Name(); got != balancer.RuleRandom {
		t.Fatalf("rule = %q", got)
	}
	if _, ok := a.Balancer().Get("a1"); ok {
		t.Fatal("a1 still registered")
	}
	a2, ok := a.Balancer().Get("a2")
	if !ok || a2.IsAlive() {
		t.Fatalf("a2 present=%v alive=%v, want present and not alive", ok, ok && a2.IsAlive())
	}
	a3, ok := a.Balancer().Get("a3")
	if !ok || !a3.IsAlive() {
		t.Fatal("a3 not started")
	}

	res, err := a.Submit(context.Background(), Request{Prompt: "a dog"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.AccountID != "a3" {
		t.Fatalf("account = %q, want a3", res.AccountID)
	}
}

func TestApplyConfigRebuildsOnNewToken(t *testing.T) {
	t.Parallel()
	srv := vendorServer(t)
	a := startApp(t, testConfig(srv.URL))
	before, _ := a.Balancer().Get("a1")

	next := testConfig(srv.URL)
	next.Accounts[0].UserToken = "tok-rotated"
	a.applyConfig(context.Background(), next)

	after, ok := a.Balancer().Get("a1")
	if !ok || after == before {
		t.Fatal("a1 was not rebuilt")
	}
	if before.IsAlive() || !after.IsAlive() {
		t.Fatalf("alive before=%v after=%v", before.IsAlive(), after.IsAlive())
	}
	if got := after.Account().Data().UserToken; got != "tok-rotated" {
		t.Fatalf("token = %q", got)
	}
}
