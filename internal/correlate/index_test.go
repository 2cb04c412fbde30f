package correlate

import (
	"testing"
	"time"

	"mjrelay/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func job(id string, offset time.Duration, mut func(d *domain.JobData)) *domain.Job {
	d := domain.JobData{
		ID:         id,
		Action:     domain.ActionImagine,
		Status:     domain.StatusSubmitted,
		SubmitTime: t0.Add(offset),
	}
	if mut != nil {
		mut(&d)
	}
	return domain.NewJob(d)
}

func source(jobs ...*domain.Job) Source {
	return SourceFunc(func() []*domain.Job { return jobs })
}

func TestFindPrecedence(t *testing.T) {
	t.Parallel()

	byPrompt := job("by-prompt", 0, func(d *domain.JobData) { d.Prompt = "a red fox" })
	byMessage := job("by-message", time.Minute, func(d *domain.JobData) {
		d.Prompt = "something else"
		d.MessageID = "m-42"
	})
	ix := New()

	got, tag, ok := ix.Find(source(byPrompt, byMessage), Query{MessageID: "m-42", Prompt: "a red fox"})
	if !ok || got != byMessage || tag != "message-id" {
		t.Fatalf("message id should beat prompt text, got %v %q", got, tag)
	}
}

func TestFindRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		job     func(d *domain.JobData)
		query   Query
		wantTag string
	}{
		{
			name:    "associated message id",
			job:     func(d *domain.JobData) { d.MessageIDs = []string{"m1", "m2"} },
			query:   Query{MessageID: "m2"},
			wantTag: "message-id",
		},
		{
			name:    "interaction id",
			job:     func(d *domain.JobData) { d.InteractionID = "i-1"; d.Nonce = "n-1" },
			query:   Query{InteractionID: "i-1", Nonce: "other"},
			wantTag: "interaction-id",
		},
		{
			name:    "nonce",
			job:     func(d *domain.JobData) { d.Nonce = "n-1" },
			query:   Query{Nonce: "n-1"},
			wantTag: "nonce",
		},
		{
			name:    "exact echoed prompt",
			job:     func(d *domain.JobData) { d.PromptFull = "<https://s.mj.run/x> cat  --v 6" },
			query:   Query{Prompt: "<https://s.mj.run/x> cat --v 6"},
			wantTag: "prompt-exact",
		},
		{
			name:    "formatted equal after stripping links and params",
			job:     func(d *domain.JobData) { d.Prompt = "https://cdn.example.com/a.png a cat --ar 16:9 --fast" },
			query:   Query{Prompt: "<https://s.mj.run/abc> a cat --ar 16:9 --relax"},
			wantTag: "prompt-formatted",
		},
		{
			name:    "job ends with event text",
			job:     func(d *domain.JobData) { d.PromptEn = "masterpiece, a cat" },
			query:   Query{Prompt: "a cat --v 6"},
			wantTag: "prompt-formatted",
		},
		{
			name:    "event starts with job text",
			job:     func(d *domain.JobData) { d.Prompt = "a cat" },
			query:   Query{Prompt: "a cat wearing a hat"},
			wantTag: "prompt-formatted",
		},
		{
			name:    "parameter-only prompt",
			job:     func(d *domain.JobData) { d.Prompt = "https://cdn.example.com/a.png --iw 2" },
			query:   Query{Prompt: "<https://s.mj.run/q> --iw 2"},
			wantTag: "prompt-parameterized",
		},
		{
			name: "show hash",
			job: func(d *domain.JobData) {
				d.Action = domain.ActionShow
				d.Props.ShowHash = "0f3c2a9e-1111-2222-3333-444455556666"
			},
			query:   Query{ImageHash: "0f3c2a9e-1111-2222-3333-444455556666"},
			wantTag: "show-hash",
		},
	}

	ix := New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			j := job("j", 0, tc.job)
			got, tag, ok := ix.Find(source(j), tc.query)
			if !ok || got != j {
				t.Fatalf("expected match, got ok=%v", ok)
			}
			if tag != tc.wantTag {
				t.Fatalf("tag = %q, want %q", tag, tc.wantTag)
			}
		})
	}
}

func TestFindIgnoresTerminalJobs(t *testing.T) {
	t.Parallel()

	done := job("done", 0, func(d *domain.JobData) {
		d.MessageID = "m1"
		d.Status = domain.StatusSuccess
	})
	notStarted := job("queued", 0, func(d *domain.JobData) {
		d.MessageID = "m1"
		d.Status = domain.StatusNotStart
	})
	if _, _, ok := New().Find(source(done, notStarted), Query{MessageID: "m1"}); ok {
		t.Fatalf("terminal and not-started jobs must not match")
	}
}

func TestFindEarliestSubmissionWins(t *testing.T) {
	t.Parallel()

	late := job("late", 2*time.Minute, func(d *domain.JobData) { d.Prompt = "a cat" })
	early := job("early", 0, func(d *domain.JobData) { d.Prompt = "a cat" })
	mid := job("mid", time.Minute, func(d *domain.JobData) {
		d.Prompt = "a cat"
		d.Status = domain.StatusInProgress
	})
	got, _, ok := New().Find(source(late, mid, early), Query{Prompt: "a cat"})
	if !ok || got != early {
		t.Fatalf("expected earliest job, got %v", got)
	}
}

func TestFindActionFilter(t *testing.T) {
	t.Parallel()

	imagine := job("imagine", 0, func(d *domain.JobData) { d.Prompt = "a cat" })
	upscale := job("upscale", time.Minute, func(d *domain.JobData) {
		d.Action = domain.ActionUpscale
		d.Prompt = "a cat"
	})
	got, _, ok := New().Find(source(imagine, upscale), Query{Prompt: "a cat", Action: domain.ActionUpscale})
	if !ok || got != upscale {
		t.Fatalf("expected upscale job, got %v", got)
	}
}

func TestFindNoMatch(t *testing.T) {
	t.Parallel()

	j := job("j", 0, func(d *domain.JobData) { d.Prompt = "a dog" })
	if _, _, ok := New().Find(source(j), Query{Prompt: "a cat"}); ok {
		t.Fatalf("unexpected match")
	}
	if _, _, ok := New().Find(source(j), Query{}); ok {
		t.Fatalf("empty query must not match")
	}
}

func TestPromptHelpers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fn   func(string) string
		in   string
		want string
	}{
		{ExtractPrompt, "**a cat --v 6** - <@123> (fast)", "a cat --v 6"},
		{ExtractPrompt, "**a cat** - Image #2 <@123>", "a cat"},
		{ExtractPrompt, "no prompt here", ""},
		{Formatted, "<https://s.mj.run/x>  a  cat --ar 3:2 --style raw", "a cat"},
		{Parameterized, "<https://s.mj.run/x>  a  cat --ar 3:2", "<link> a cat --ar 3:2"},
		{Normalize, "café  au lait", "café au lait"},
	}
	for _, tc := range cases {
		if got := tc.fn(tc.in); got != tc.want {
			t.Fatalf("(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
