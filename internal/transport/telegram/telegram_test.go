package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	kit "mjrelay/internal/transport"
	"mjrelay/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{"short", "hello", 10, "", []string{"hello"}},
		{"hard cut", "abcdefghij", 4, "", []string{"abcd", "efgh", "ij"}},
		{"newline preferred", "aaaa\nbbbbbb", 8, "", []string{"aaaa", "bbbbbb"}},
		{"html tag kept whole", "abc <b>x</b>", 6, "HTML", []string{"abc ", "<b>x", "</b>"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitText(tc.in, tc.limit, tc.mode)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("splitText = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSendDeliversChunksToDefaultChat(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		sent []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottok/sendMessage") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":42}}}`)
	}))
	defer srv.Close()

	b, err := New(Config{Token: "tok", URL: srv.URL, ChatID: 42}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	long := strings.Repeat("x", textLimit) + "tail"
	if err := b.Send(context.Background(), kit.ChatTarget{}, long, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := b.SendText(context.Background(), "[ERROR] boom"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 3 {
		t.Fatalf("sendMessage calls = %d", len(sent))
	}
	if sent[1]["text"] != "tail" || sent[2]["text"] != "[ERROR] boom" {
		t.Fatalf("texts = %v, %v", sent[1]["text"], sent[2]["text"])
	}
	if sent[0]["chat_id"] != "42" {
		t.Fatalf("chat_id = %v", sent[0]["chat_id"])
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("empty token accepted")
	}
}
