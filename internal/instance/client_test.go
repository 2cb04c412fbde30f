package instance

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"mjrelay/internal/cache"
	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

func TestRender(t *testing.T) {
	t.Parallel()

	body, err := Render("action", Vars{
		"application_id": "app",
		"guild_id":       "g",
		"channel_id":     "c",
		"message_flags":  64,
		"message_id":     "m",
		"session_id":     "s",
		"nonce":          "n",
		"custom_id":      `MJ::JOB::upsample::1::"quoted"`,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	r := gjson.ParseBytes(body)
	if r.Get("message_flags").Type != gjson.Number || r.Get("message_flags").Int() != 64 {
		t.Fatalf("message_flags = %s", r.Get("message_flags").Raw)
	}
	if got := r.Get("data.custom_id").String(); got != `MJ::JOB::upsample::1::"quoted"` {
		t.Fatalf("custom_id = %q", got)
	}
	if r.Get("type").Int() != 3 || r.Get("data.component_type").Int() != 2 {
		t.Fatalf("constants lost: %s", body)
	}

	if _, err := Render("action", Vars{"nonce": "n"}); err == nil {
		t.Fatalf("missing variables should fail")
	}
	if _, err := Render("nope", nil); !errors.Is(err, ErrNoTemplate) {
		t.Fatalf("unknown template err = %v", err)
	}
}

func TestCommandIndexLoadedOnce(t *testing.T) {
	t.Parallel()

	v := &vendor{}
	srv := httptest.NewServer(v.handler())
	defer srv.Close()
	c := NewClient(ClientConfig{BaseURL: srv.URL, RatePerSec: 100, Burst: 10}, "tok", logx.Nop())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Command(context.Background(), "g1", MJApplicationID, "imagine"); err != nil {
				t.Errorf("Command: %v", err)
			}
		}()
	}
	wg.Wait()
	niji, err := c.Command(context.Background(), "g1", c.ApplicationID(domain.BotNiji), "imagine")
	if err != nil || niji.ID != "cmd-niji" || niji.Version != "v2" {
		t.Fatalf("niji imagine = %+v, %v", niji, err)
	}
	if n := v.indexes.Load(); n < 1 || n > 4 {
		t.Fatalf("index loads = %d", n)
	}
	before := v.indexes.Load()
	if _, err := c.Command(context.Background(), "g1", MJApplicationID, "blend"); !errors.Is(err, ErrNoCommand) || !IsNoRetry(err) {
		t.Fatalf("missing command err = %v", err)
	}
	if v.indexes.Load() != before+1 {
		t.Fatalf("a miss should reload the index once")
	}
}

func TestUploadAndSendMessage(t *testing.T) {
	t.Parallel()

	var (
		put     atomic.Value
		message atomic.Value
	)
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("POST /api/v9/channels/c1/attachments", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		req := gjson.ParseBytes(b)
		if req.Get("files.0.filename").String() != "cat.png" || req.Get("files.0.file_size").Int() != 4 {
			http.Error(w, "bad slot request", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"attachments":[{"id":0,"upload_url":"`+srv.URL+`/bucket/cat.png?sig=1","upload_filename":"tmp/cat.png"}]}`)
	})
	mux.HandleFunc("PUT /bucket/cat.png", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "signed upload must not carry the token", http.StatusForbidden)
			return
		}
		b, _ := io.ReadAll(r.Body)
		put.Store(string(b))
	})
	mux.HandleFunc("POST /api/v9/channels/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		message.Store(string(b))
		_, _ = io.WriteString(w, `{"id":"msg-9","attachments":[{"url":"https://cdn.example.com/cat.png"}]}`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, RatePerSec: 100, Burst: 10}, "tok", logx.Nop())
	up, err := c.Upload(context.Background(), "c1", "cat.png", []byte("\x89PNG"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if up.UploadedFilename != "tmp/cat.png" || put.Load() != "\x89PNG" {
		t.Fatalf("upload = %+v, body %q", up, put.Load())
	}

	sent, err := c.SendMessage(context.Background(), "c1", "hello", "n1", []Uploaded{up})
	if err != nil || sent.ID != "msg-9" || len(sent.AttachmentURLs) != 1 {
		t.Fatalf("SendMessage = %+v, %v", sent, err)
	}
	m := gjson.Parse(message.Load().(string))
	if m.Get("attachments.0.uploaded_filename").String() != "tmp/cat.png" || m.Get("content").String() != "hello" {
		t.Fatalf("message body = %s", m.Raw)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Unknown Message"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	c := NewClient(ClientConfig{BaseURL: srv.URL, RatePerSec: 100, Burst: 10}, "tok", logx.Nop())
	err := c.Interact(context.Background(), "message", Vars{"content": "x", "nonce": "n", "channel_id": "c", "attachments": []any{}})
	if StatusOf(err) != http.StatusNotFound {
		t.Fatalf("status = %d (%v)", StatusOf(err), err)
	}
	if retryable(err) {
		t.Fatalf("404 must not be retryable")
	}
	if !retryable(&HTTPError{Status: http.StatusTooManyRequests}) || retryable(NoRetry(&HTTPError{Status: 429})) {
		t.Fatalf("429 classification wrong")
	}
}

func TestResolveMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		requested domain.SpeedMode
		acct      domain.AccountData
		want      domain.SpeedMode
	}{
		{"explicit wins", domain.ModeTurbo, domain.AccountData{Mode: domain.ModeRelax, FastExhausted: true}, domain.ModeTurbo},
		{"forced account mode", domain.ModeNone, domain.AccountData{Mode: domain.ModeFast, FastExhausted: true}, domain.ModeFast},
		{"exhausted falls back to relax", domain.ModeNone, domain.AccountData{FastExhausted: true}, domain.ModeRelax},
		{"nothing", domain.ModeNone, domain.AccountData{}, domain.ModeNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveMode(tc.requested, tc.acct); got != tc.want {
				t.Fatalf("ResolveMode = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestApplyMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prompt string
		mode   domain.SpeedMode
		want   string
	}{
		{"a cat", domain.ModeFast, "a cat --fast"},
		{"a cat --relax --ar 2:3", domain.ModeTurbo, "a cat --ar 2:3 --turbo"},
		{"a cat --FAST", domain.ModeRelax, "a cat --relax"},
		{"a cat --fast", domain.ModeNone, "a cat --fast"},
	}
	for _, tc := range cases {
		if got := ApplyMode(tc.prompt, tc.mode); got != tc.want {
			t.Fatalf("ApplyMode(%q, %q) = %q, want %q", tc.prompt, tc.mode, got, tc.want)
		}
	}
}

type countingRehoster struct {
	calls atomic.Int32
	fail  bool
}

func (r *countingRehoster) Rehost(_ context.Context, url string) (string, error) {
	r.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	if r.fail {
		return "", errors.New("storage down")
	}
	return "https://cdn.local/" + strconv.Itoa(len(url)), nil
}

func TestRehostMemo(t *testing.T) {
	t.Parallel()

	c := cache.NewMemory()
	defer c.Close()
	r := &countingRehoster{}
	m := newRehostMemo(r, c, time.Hour, logx.Nop())

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.rewrite(context.Background(), "look https://img.example/a.png now"); err != nil {
				t.Errorf("rewrite: %v", err)
			}
		}()
	}
	wg.Wait()
	out, err := m.rewrite(context.Background(), "https://img.example/a.png and https://img.example/a.png")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != "https://cdn.local/25 and https://cdn.local/25" {
		t.Fatalf("rewrite = %q", out)
	}
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("rehost calls = %d", n)
	}

	failing := newRehostMemo(&countingRehoster{fail: true}, nil, 0, logx.Nop())
	if _, err := failing.rewrite(context.Background(), "x https://img.example/b.png"); err == nil {
		t.Fatalf("rehost failure not reported")
	}
	var none *rehostMemo
	if got, _ := none.rewrite(context.Background(), "https://a.b/c"); got != "https://a.b/c" {
		t.Fatalf("nil memo changed prompt")
	}
}

func TestNewNonce(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, b := NewNonce(now), NewNonce(now.Add(time.Millisecond))
	na, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		t.Fatalf("nonce %q not numeric", a)
	}
	nb, _ := strconv.ParseInt(b, 10, 64)
	if na>>22 != now.UnixMilli()-discordEpoch || nb <= na {
		t.Fatalf("nonces %d, %d", na, nb)
	}
}
