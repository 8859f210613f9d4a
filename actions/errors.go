package actions

import (
	"context"
	"errors"
	"strings"

	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/wallet"
)

// ErrAlreadyPending rejects a submission identical to one still awaiting
// confirmation.
var ErrAlreadyPending = errors.New("an identical submission is still pending")

// revert reasons that describe the battle's state or the caller's role
var invalidStateReasons = []string{
	"not open",
	"not active",
	"has not ended",
	"only challenger",
	"cannot accept own",
	"reserved for another",
	"stake amount mismatch",
}

// classify converts any error raised while submitting op into the client's
// error taxonomy. Errors that already carry a kind pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}

	var rev *ledger.RevertError
	if errors.As(err, &rev) {
		return classifyRevert(op, rev.Reason)
	}
	switch {
	case errors.Is(err, wallet.ErrDisconnected):
		return &core.Error{Kind: core.KindValidation, Op: op, Msg: "no connected account", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &core.Error{Kind: core.KindSubmission, Op: op, Msg: "submission abandoned", Err: err}
	}
	return core.Wrap(core.KindSubmission, op, err)
}

func classifyRevert(op, reason string) error {
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "does not exist") {
		return &core.Error{Kind: core.KindNotFound, Op: op, Msg: reason}
	}
	for _, r := range invalidStateReasons {
		if !strings.Contains(lower, r) {
			continue
		}
		return &core.Error{Kind: core.KindInvalidState, Op: op, Msg: reason}
	}
	if reason == "" {
		reason = "transaction reverted"
	}
	return &core.Error{Kind: core.KindSubmission, Op: op, Msg: reason}
}

// acceptRace re-reads battle id after an accept was refused as not open.
// Only a battle that another account now holds is reported as the
// recoverable "already taken" race; a cancelled or resolved battle keeps
// the plain error.
func acceptRace(ctx context.Context, r ledger.Reader, id uint64, err error) error {
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Kind != core.KindInvalidState || ce.Recoverable {
		return err
	}
	if !strings.Contains(strings.ToLower(ce.Msg), "not open") {
		return err
	}
	b, rerr := r.Battle(ctx, id)
	if rerr != nil || b.Status != core.StatusActive {
		return err
	}
	return &core.Error{Kind: core.KindInvalidState, Op: opAccept, Msg: "battle was already taken", Recoverable: true}
}
