// Package domain holds the entities shared by the relay: jobs, accounts and
// the small enums around them.
//
// Entities carry their own mutex. Callers read through Data() copies and
// mutate through methods so that status monotonicity is enforced in one place.
package domain
