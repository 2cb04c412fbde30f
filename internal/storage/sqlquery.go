package storage

import (
	"strconv"
	"strings"
	"time"
)

// jobWhere renders f as a WHERE clause. ph renders the n-th (1-based)
// placeholder for the target dialect.
func jobWhere(f JobFilter, ph func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}
	if len(f.Statuses) > 0 {
		ps := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ps = append(ps, next(string(st)))
		}
		conds = append(conds, "status IN ("+strings.Join(ps, ",")+")")
	}
	if f.AccountID != "" {
		conds = append(conds, "account_id = "+next(f.AccountID))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+next(f.UserID))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "submit_ms >= "+next(f.Since.UnixMilli()))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(n)
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
