package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/kozaktomas/face-linker/internal/database"
)

// Strategy identifies one rung of the write ladder. Values are the step
// numbers logged in the strategy field: 1 is the initial fetch and 2 to 6
// are the writes.
type Strategy int

const (
	StrategyFetch Strategy = iota + 1
	StrategyProcedureAppend
	StrategyDirectUpdate
	StrategyMinimalPayload
	StrategyStringPayload
	StrategyResetAndRewrite
)

var strategyNames = map[Strategy]string{
	StrategyFetch:           "fetch",
	StrategyProcedureAppend: "procedure_append",
	StrategyDirectUpdate:    "direct_update",
	StrategyMinimalPayload:  "minimal_payload",
	StrategyStringPayload:   "string_payload",
	StrategyResetAndRewrite: "reset_and_rewrite",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "strategy_" + strconv.Itoa(int(s))
}

// StrategyResult is the outcome of a single strategy. Noop is set when the
// store accepted the write but found the user already present.
type StrategyResult struct {
	Strategy Strategy
	Writes   int
	Noop     bool
	Err      error
}

// Succeeded reports whether the strategy's writes were accepted.
func (r StrategyResult) Succeeded() bool { return r.Err == nil }

// write is the input shared by every strategy. Current is the matched users
// as last read from the store, without the new entry.
type write struct {
	PhotoID string
	Match   database.MatchedUser
	Current []database.MatchedUser
}

func (w write) full() []database.MatchedUser {
	return append(slices.Clone(w.Current), w.Match)
}

// minimal drops the denormalized display fields from every entry.
func (w write) minimal() []database.MatchedUser {
	users := w.full()
	for i := range users {
		users[i].FullName, users[i].Email, users[i].AvatarURL = "", "", ""
	}
	return users
}

type strategyFunc func(ctx context.Context, w write) StrategyResult

func (r *Reconciler) ladder() []struct {
	strategy Strategy
	run      strategyFunc
} {
	return []struct {
		strategy Strategy
		run      strategyFunc
	}{
		{StrategyProcedureAppend, r.procedureAppend},
		{StrategyDirectUpdate, r.directUpdate},
		{StrategyMinimalPayload, r.minimalPayload},
		{StrategyStringPayload, r.stringPayload},
		{StrategyResetAndRewrite, r.resetAndRewrite},
	}
}

// procedureAppend appends through the store's stored procedure.
func (r *Reconciler) procedureAppend(ctx context.Context, w write) StrategyResult {
	appended, err := r.photos.AppendMatchedUser(ctx, w.PhotoID, w.Match)
	return StrategyResult{Strategy: StrategyProcedureAppend, Writes: 1, Noop: err == nil && !appended, Err: err}
}

// directUpdate rewrites the field with the full payload.
func (r *Reconciler) directUpdate(ctx context.Context, w write) StrategyResult {
	err := r.photos.UpdateMatchedUsers(ctx, w.PhotoID, w.full())
	return StrategyResult{Strategy: StrategyDirectUpdate, Writes: 1, Err: err}
}

// minimalPayload writes only the matched users, without display fields or
// the update timestamp.
func (r *Reconciler) minimalPayload(ctx context.Context, w write) StrategyResult {
	err := r.photos.UpdateMatchedUsersMinimal(ctx, w.PhotoID, w.minimal())
	return StrategyResult{Strategy: StrategyMinimalPayload, Writes: 1, Err: err}
}

// stringPayload sends the array pre-serialized as text.
func (r *Reconciler) stringPayload(ctx context.Context, w write) StrategyResult {
	data, err := json.Marshal(w.full())
	if err != nil {
		return StrategyResult{Strategy: StrategyStringPayload, Err: fmt.Errorf("encode payload: %w", err)}
	}
	err = r.photos.WriteMatchedUsersString(ctx, w.PhotoID, string(data))
	return StrategyResult{Strategy: StrategyStringPayload, Writes: 1, Err: err}
}

// resetAndRewrite clears the field, waits, then writes the full payload.
func (r *Reconciler) resetAndRewrite(ctx context.Context, w write) StrategyResult {
	res := StrategyResult{Strategy: StrategyResetAndRewrite, Writes: 1}
	if err := r.photos.ResetMatchedUsers(ctx, w.PhotoID); err != nil {
		res.Err = fmt.Errorf("reset: %w", err)
		return res
	}
	if err := r.sleep(ctx, r.cfg.ResetWait); err != nil {
		res.Err = err
		return res
	}
	res.Writes++
	if err := r.photos.UpdateMatchedUsers(ctx, w.PhotoID, w.full()); err != nil {
		res.Err = fmt.Errorf("rewrite: %w", err)
	}
	return res
}
