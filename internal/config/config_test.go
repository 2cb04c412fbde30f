package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mjrelay/internal/domain"
)

const sampleYAML = `
logging:
  level: debug
  console: true
balancer:
  rule: round-robin
accounts:
  - id: a1
    user_token: tok-1
    guild_id: g1
    channel_ids: ["c1", "c2"]
    allow_modes: [FAST, RELAX]
  - id: a2
    token_env: MJRELAY_TEST_A2_TOKEN
    guild_id: g1
    channel_ids: ["c3"]
    queue_size: 0
    enable_niji: false
storage:
  driver: sqlite
  path: ./relay.db
maintenance:
  enabled: true
  daily_reset: "0 0 * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLWithEnv(t *testing.T) {
	t.Setenv("MJRELAY_TEST_A2_TOKEN", "tok-2")
	t.Setenv("MJRELAY_STORAGE_DRIVER", "postgres")
	t.Setenv("MJRELAY_STORAGE_DSN", "postgres://relay@localhost/relay")
	t.Setenv("MJRELAY_TELEGRAM_CHAT_ID", "-1001")

	cfg, err := NewConfigManager(writeFile(t, "relay.yaml", sampleYAML)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Balancer.Rule != "round-robin" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" || cfg.Storage.Path != "./relay.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Telegram.ChatID != -1001 {
		t.Fatalf("chat id = %d", cfg.Telegram.ChatID)
	}

	a1, a2 := cfg.Accounts[0].Data(), cfg.Accounts[1].Data()
	if !a1.Enabled || a1.QueueSize != DefaultQueueSize || a1.CoreSize != DefaultCoreSize || a1.Name != "a1" {
		t.Fatalf("a1 = %+v", a1)
	}
	if len(a1.AllowModes) != 2 || a1.AllowModes[0] != domain.ModeFast {
		t.Fatalf("a1 modes = %v", a1.AllowModes)
	}
	if a2.UserToken != "tok-2" || a2.QueueSize != 0 || a2.EnableNiji || !a2.EnableMJ {
		t.Fatalf("a2 = %+v", a2)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, body, want string
	}{
		{"unknown field", `{"accounts": [], "plugins": {}}`, "unknown field"},
		{"trailing data", `{} {}`, "trailing data"},
		{"bad rule", `{"balancer": {"rule": "fastest"}}`, "balancer.rule"},
		{"missing id", `{"accounts": [{"guild_id": "g"}]}`, "accounts[0].id is required"},
		{"duplicate id", `{"accounts": [
			{"id": "a", "user_token": "t", "guild_id": "g", "channel_ids": ["c"]},
			{"id": "a", "user_token": "t", "guild_id": "g", "channel_ids": ["c"]}]}`, "duplicated"},
		{"no token", `{"accounts": [{"id": "a", "guild_id": "g", "channel_ids": ["c"]}]}`, "user_token or token_env"},
		{"no channels", `{"accounts": [{"id": "a", "user_token": "t", "guild_id": "g"}]}`, "channel_ids is empty"},
		{"sqlite without path", `{"storage": {"driver": "sqlite"}}`, "storage.path is required"},
		{"postgres without dsn", `{"storage": {"driver": "pg"}}`, "storage.dsn is required"},
		{"unknown driver", `{"storage": {"driver": "redis"}}`, "unknown storage.driver"},
		{"bad duration", `{"gateway": {"read_timeout": "soon"}}`, "gateway.read_timeout"},
		{"negative duration", `{"notifier": {"enabled": true, "retry_base": "-1s"}}`, "must be >= 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestDisabledAccountSkipsChecks(t *testing.T) {
	t.Parallel()

	cfg, err := Decode([]byte(`{"accounts": [{"id": "a", "enabled": false}]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Accounts[0].Data().Enabled {
		t.Fatalf("account enabled")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Balancer: BalancerConfig{Rule: "least_loaded"},
			Accounts: []AccountConfig{
				{ID: "a1", UserToken: "t", GuildID: "g", ChannelIDs: []string{"c1"}},
				{ID: "a2", UserToken: "t", GuildID: "g", ChannelIDs: []string{"c2"}},
			},
		}
	}
	if ch := SummarizeConfigChange(base(), base()); !ch.Empty() {
		t.Fatalf("identical configs changed: %v", ch.Sections)
	}

	next := base()
	next.Balancer.Rule = "random"
	next.Accounts[0].ChannelIDs = append(next.Accounts[0].ChannelIDs, "c9")
	next.Accounts = append(next.Accounts[:1], AccountConfig{ID: "a3"})
	next.Debug.Token = "secret"

	ch := SummarizeConfigChange(base(), next)
	if got := strings.Join(ch.Sections, ","); got != "accounts,balancer,debug" {
		t.Fatalf("sections = %s", got)
	}
	if !ch.Has("balancer") || ch.Has("logging") {
		t.Fatalf("Has mismatch")
	}
	if strings.Join(ch.Added, ",") != "a3" || strings.Join(ch.Removed, ",") != "a2" || strings.Join(ch.Updated, ",") != "a1" {
		t.Fatalf("accounts added=%v removed=%v updated=%v", ch.Added, ch.Removed, ch.Updated)
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "relay.json", `{"balancer": {"rule": "random"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if published, err := m.Reload(context.Background()); err != nil || published {
		t.Fatalf("unchanged reload = %v %v", published, err)
	}

	if err := os.WriteFile(path, []byte(`{"balancer": {"rule": "weighted"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	rejected := errors.New("weighted not allowed here")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Balancer.Rule == "weighted" {
			return rejected
		}
		return nil
	})
	if _, err := m.Reload(context.Background()); !errors.Is(err, rejected) {
		t.Fatalf("validator err = %v", err)
	}
	if m.Get().Balancer.Rule != "random" {
		t.Fatalf("rejected config committed")
	}

	if err := os.WriteFile(path, []byte(`{"balancer": {"rule": "round_robin"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(context.Background()); err != nil || !published {
		t.Fatalf("reload = %v %v", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Balancer.Rule != "round_robin" {
			t.Fatalf("published rule = %s", cfg.Balancer.Rule)
		}
	default:
		t.Fatalf("nothing published")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", 5); err != nil || d != 5 {
		t.Fatalf("empty = %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", " 2s ", 5); err != nil || d.Seconds() != 2 {
		t.Fatalf("2s = %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "1.5d", 5); err != nil || d.Hours() != 36 {
		t.Fatalf("1.5d = %v %v", d, err)
	}
	if _, err := ParseDurationField("x.y", "nope"); err == nil || !strings.HasPrefix(err.Error(), "x.y:") {
		t.Fatalf("err = %v", err)
	}
	if _, err := ParseDurationField("x.y", "-1d"); err == nil {
		t.Fatal("negative days accepted")
	}
}

func TestToJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, path, in, want string
	}{
		{"json ext", "c.json", `{"a":1}`, `{"a":1}`},
		{"sniffed json", "config", ` {"a":1}`, ` {"a":1}`},
		{"sniffed yaml", "config", "a: 1", `{"a":1}`},
		{"empty yaml", "c.yaml", "", `{}`},
		{"numeric keys", "c.yml", "1: x", `{"1":"x"}`},
		{"merge key", "c.yaml", "base: &b {x: 1, y: 2}\nk:\n  <<: *b\n  y: 3", `{"base":{"x":1,"y":2},"k":{"x":1,"y":3}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := toJSON(tt.path, []byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Fatalf("toJSON = %s, want %s", got, tt.want)
			}
		})
	}
}
