package instance

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

//go:embed templates/*.json
var templateFS embed.FS

// Vars fills the $name placeholders of a request template. A placeholder
// must be a whole JSON string value; it is replaced by the variable with its
// own JSON type.
type Vars map[string]any

const (
	DefaultBaseURL    = "https://discord.com"
	MJApplicationID   = "936929561302675456"
	NijiApplicationID = "1022952195194359889"
)

type ClientConfig struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	RatePerSec        float64
	Burst             int
	MJApplicationID   string
	NijiApplicationID string
}

func (c *ClientConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.MJApplicationID == "" {
		c.MJApplicationID = MJApplicationID
	}
	if c.NijiApplicationID == "" {
		c.NijiApplicationID = NijiApplicationID
	}
}

// Command is an application command as listed by the guild command index.
type Command struct {
	ID            string
	Version       string
	Name          string
	ApplicationID string
	Raw           json.RawMessage
}

// Uploaded is an attachment staged through the upload endpoint.
type Uploaded struct {
	Filename         string `json:"filename"`
	UploadedFilename string `json:"uploaded_filename"`
}

// Client talks to the vendor REST API on behalf of one account.
type Client struct {
	cfg     ClientConfig
	api     *resty.Client
	plain   *resty.Client
	limiter *rate.Limiter
	log     logx.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	commands map[string]Command
}

func NewClient(cfg ClientConfig, token string, log logx.Logger) *Client {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	api := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", token).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Content-Type", "application/json")
	plain := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)
	return &Client{
		cfg:      cfg,
		api:      api,
		plain:    plain,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:      log.With(logx.String("comp", "vendor-client")),
		commands: make(map[string]Command),
	}
}

// ApplicationID returns the bot application serving kind.
func (c *Client) ApplicationID(kind domain.BotKind) string {
	if kind == domain.BotNiji {
		return c.cfg.NijiApplicationID
	}
	return c.cfg.MJApplicationID
}

// Render expands a request template.
func Render(name string, vars Vars) ([]byte, error) {
	raw, err := templateFS.ReadFile(path.Join("templates", name+".json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, name)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("instance: template %s: %w", name, err)
	}
	doc, err = substitute(doc, vars)
	if err != nil {
		return nil, fmt.Errorf("instance: template %s: %w", name, err)
	}
	return json.Marshal(doc)
}

func substitute(v any, vars Vars) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			r, err := substitute(x, vars)
			if err != nil {
				return nil, err
			}
			t[k] = r
		}
	case []any:
		for i, x := range t {
			r, err := substitute(x, vars)
			if err != nil {
				return nil, err
			}
			t[i] = r
		}
	case string:
		if name, ok := strings.CutPrefix(t, "$"); ok && name != "" {
			val, ok := vars[name]
			if !ok {
				return nil, fmt.Errorf("variable %s not set", t)
			}
			return val, nil
		}
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, method, p string, body []byte) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.api.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, p)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, p, err)
	}
	if resp.IsError() {
		return resp, &HTTPError{Method: method, Path: p, Status: resp.StatusCode(), Body: resp.String()}
	}
	return resp, nil
}

// Interact posts a rendered interaction template.
func (c *Client) Interact(ctx context.Context, tmpl string, vars Vars) error {
	body, err := Render(tmpl, vars)
	if err != nil {
		return NoRetry(err)
	}
	_, err = c.call(ctx, http.MethodPost, "/api/v9/interactions", body)
	return err
}

// Command returns the command name of application appID, loading the guild
// command index on a miss.
func (c *Client) Command(ctx context.Context, guildID, appID, name string) (Command, error) {
	key := appID + "/" + name
	c.mu.RLock()
	cmd, ok := c.commands[key]
	c.mu.RUnlock()
	if ok {
		return cmd, nil
	}
	_, err, _ := c.group.Do(guildID, func() (any, error) {
		return nil, c.loadCommands(ctx, guildID)
	})
	if err != nil {
		return Command{}, err
	}
	c.mu.RLock()
	cmd, ok = c.commands[key]
	c.mu.RUnlock()
	if !ok {
		return Command{}, NoRetry(fmt.Errorf("%w: %s", ErrNoCommand, name))
	}
	return cmd, nil
}

func (c *Client) loadCommands(ctx context.Context, guildID string) error {
	resp, err := c.call(ctx, http.MethodGet, "/api/v9/guilds/"+guildID+"/application-command-index", nil)
	if err != nil {
		return err
	}
	loaded := make(map[string]Command)
	gjson.GetBytes(resp.Body(), "application_commands").ForEach(func(_, v gjson.Result) bool {
		cmd := Command{
			ID:            v.Get("id").String(),
			Version:       v.Get("version").String(),
			Name:          v.Get("name").String(),
			ApplicationID: v.Get("application_id").String(),
			Raw:           json.RawMessage(v.Raw),
		}
		loaded[cmd.ApplicationID+"/"+cmd.Name] = cmd
		return true
	})
	c.mu.Lock()
	for k, v := range loaded {
		c.commands[k] = v
	}
	c.mu.Unlock()
	c.log.Debug("command index loaded", logx.String("guild", guildID), logx.Int("commands", len(loaded)))
	return nil
}

// Upload stages data as an attachment of channelID.
func (c *Client) Upload(ctx context.Context, channelID, filename string, data []byte) (Uploaded, error) {
	body, err := Render("upload", Vars{"filename": filename, "file_size": len(data)})
	if err != nil {
		return Uploaded{}, NoRetry(err)
	}
	resp, err := c.call(ctx, http.MethodPost, "/api/v9/channels/"+channelID+"/attachments", body)
	if err != nil {
		return Uploaded{}, err
	}
	slot := gjson.GetBytes(resp.Body(), "attachments.0")
	uploadURL := slot.Get("upload_url").String()
	if uploadURL == "" {
		return Uploaded{}, NoRetry(fmt.Errorf("instance: upload slot missing for %s", filename))
	}
	put, err := c.plain.R().SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		Put(uploadURL)
	if err != nil {
		return Uploaded{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	if put.IsError() {
		return Uploaded{}, &HTTPError{Method: http.MethodPut, Path: "upload", Status: put.StatusCode(), Body: put.String()}
	}
	return Uploaded{Filename: filename, UploadedFilename: slot.Get("upload_filename").String()}, nil
}

// SentMessage is the vendor's view of a posted message.
type SentMessage struct {
	ID             string
	AttachmentURLs []string
}

// SendMessage posts a plain message.
func (c *Client) SendMessage(ctx context.Context, channelID, content, nonce string, files []Uploaded) (SentMessage, error) {
	atts := make([]any, len(files))
	for i, f := range files {
		atts[i] = map[string]any{"id": fmt.Sprint(i), "filename": f.Filename, "uploaded_filename": f.UploadedFilename}
	}
	body, err := Render("message", Vars{"content": content, "nonce": nonce, "channel_id": channelID, "attachments": atts})
	if err != nil {
		return SentMessage{}, NoRetry(err)
	}
	resp, err := c.call(ctx, http.MethodPost, "/api/v9/channels/"+channelID+"/messages", body)
	if err != nil {
		return SentMessage{}, err
	}
	msg := gjson.ParseBytes(resp.Body())
	out := SentMessage{ID: msg.Get("id").String()}
	for _, u := range msg.Get("attachments.#.url").Array() {
		out.AttachmentURLs = append(out.AttachmentURLs, u.String())
	}
	return out, nil
}

// Fetch downloads a public file such as a blend input.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := c.plain.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, "", NoRetry(&HTTPError{Method: http.MethodGet, Path: url, Status: resp.StatusCode(), Body: resp.String()})
	}
	name := path.Base(strings.SplitN(url, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		name = "image.png"
	}
	return resp.Body(), name, nil
}
