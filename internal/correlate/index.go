// Package correlate finds the outstanding job a vendor event belongs to.
//
// The vendor offers no request ids, so an event is matched by an ordered list
// of rules. The first rule with any match wins; among several matches the
// earliest submitted job is chosen. Only submitted and in-progress jobs are
// considered.
package correlate

import (
	"mjrelay/internal/domain"
)

// Query is what an event reveals about the job it concerns.
type Query struct {
	MessageID     string
	InteractionID string
	Nonce         string
	// Prompt is the prompt text echoed in the event, if any.
	Prompt    string
	ImageHash string
	// Action restricts prompt and hash rules to jobs of that kind when set.
	Action domain.Action
}

// Source supplies candidate jobs, typically an account's running jobs.
type Source interface {
	Candidates() []*domain.Job
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []*domain.Job

func (f SourceFunc) Candidates() []*domain.Job { return f() }

// Rule is one correlation strategy.
type Rule struct {
	Tag   string
	Match func(q Query, d domain.JobData) bool
}

func sameAction(q Query, d domain.JobData) bool {
	return q.Action == "" || q.Action == d.Action
}

// DefaultRules in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{Tag: "message-id", Match: func(q Query, d domain.JobData) bool {
			return d.HasMessage(q.MessageID)
		}},
		{Tag: "interaction-id", Match: func(q Query, d domain.JobData) bool {
			return q.InteractionID != "" && d.InteractionID == q.InteractionID
		}},
		{Tag: "nonce", Match: func(q Query, d domain.JobData) bool {
			return q.Nonce != "" && d.Nonce == q.Nonce
		}},
		{Tag: "prompt-exact", Match: func(q Query, d domain.JobData) bool {
			if q.Prompt == "" || !sameAction(q, d) {
				return false
			}
			p := Normalize(q.Prompt)
			return (d.PromptFull != "" && Normalize(d.PromptFull) == p) ||
				(d.Props.FinalPrompt != "" && Normalize(d.Props.FinalPrompt) == p)
		}},
		{Tag: "prompt-formatted", Match: func(q Query, d domain.JobData) bool {
			if !sameAction(q, d) {
				return false
			}
			return contains(Formatted(d.MatchPrompt()), Formatted(q.Prompt))
		}},
		{Tag: "prompt-parameterized", Match: func(q Query, d domain.JobData) bool {
			if !sameAction(q, d) {
				return false
			}
			job := d.Props.FinalPrompt
			if job == "" {
				job = d.MatchPrompt()
			}
			return contains(Parameterized(job), Parameterized(q.Prompt))
		}},
		{Tag: "show-hash", Match: func(q Query, d domain.JobData) bool {
			return q.ImageHash != "" && d.Action == domain.ActionShow && d.Props.ShowHash == q.ImageHash
		}},
	}
}

// Index evaluates rules against a Source.
type Index struct {
	rules []Rule
}

func New(rules ...Rule) *Index {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Index{rules: rules}
}

// Rules returns the rule tags in precedence order.
func (ix *Index) Rules() []string {
	out := make([]string, len(ix.rules))
	for i, r := range ix.rules {
		out[i] = r.Tag
	}
	return out
}

// Find returns the job q belongs to and the tag of the rule that matched.
func (ix *Index) Find(src Source, q Query) (*domain.Job, string, bool) {
	type candidate struct {
		job  *domain.Job
		data domain.JobData
	}
	var pending []candidate
	for _, j := range src.Candidates() {
		if j == nil {
			continue
		}
		d := j.Data()
		if d.Status.Pending() {
			pending = append(pending, candidate{job: j, data: d})
		}
	}
	if len(pending) == 0 {
		return nil, "", false
	}

	for _, r := range ix.rules {
		var best *candidate
		for i := range pending {
			c := &pending[i]
			if !r.Match(q, c.data) {
				continue
			}
			if best == nil || c.data.SubmitTime.Before(best.data.SubmitTime) {
				best = c
			}
		}
		if best != nil {
			return best.job, r.Tag, true
		}
	}
	return nil, "", false
}
