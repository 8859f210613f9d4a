package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/actions"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/crypto"
	"github.com/tolelom/framebattles/repository"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	ChainID          uint64 // chain the client targets
	LeaderboardLimit uint64
	ActionTimeout    time.Duration // bounds each write; stays under the server's WriteTimeout
	Clock            func() time.Time
}

// DefaultActionTimeout bounds a write request. A submission still pending
// when it expires is returned as pending and keeps being tracked.
const DefaultActionTimeout = 2 * time.Minute

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	repo    *repository.Repository
	actions *actions.Actions // nil serves reads only
	wallet  actions.Provider // nil when no key is loaded
	opts    HandlerOptions
}

// NewHandler creates an RPC Handler.
func NewHandler(repo *repository.Repository, acts *actions.Actions, wallet actions.Provider, opts HandlerOptions) *Handler {
	if opts.LeaderboardLimit == 0 {
		opts.LeaderboardLimit = 20
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Handler{repo: repo, actions: acts, wallet: wallet, opts: opts}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "listBattles":
		return h.listBattles(ctx, req)
	case "getBattle":
		return h.getBattle(ctx, req)
	case "getLeaderboard":
		return h.getLeaderboard(ctx, req)
	case "getUserStats":
		return h.getUserStats(ctx, req)
	case "getUserBattles":
		return h.getUserBattles(ctx, req)
	case "getPlatformFee":
		return h.getPlatformFee(ctx, req)
	case "refresh":
		if err := h.repo.Refresh(ctx); err != nil {
			return errorResponse(req.ID, err)
		}
		return okResponse(req.ID, map[string]bool{"ok": true})
	case "getAccount":
		return h.getAccount(ctx, req)
	case "switchChain":
		return h.switchChain(ctx, req)
	case "createBattle":
		return h.createBattle(ctx, req)
	case "acceptBattle":
		return h.acceptBattle(ctx, req)
	case "resolveBattle":
		return h.resolveBattle(ctx, req)
	case "cancelBattle":
		return h.cancelBattle(ctx, req)
	case "getPending":
		return h.getPending(req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// ---- reads ----

type viewerParams struct {
	Viewer string `json:"viewer"`
}

// viewer resolves the account a view is computed for: the explicit viewer
// param, else the connected account.
func (h *Handler) viewer(raw string) (common.Address, error) {
	if raw != "" {
		return crypto.ParseAddress(raw)
	}
	if h.wallet != nil {
		if addr, ok := h.wallet.Account(); ok {
			return addr, nil
		}
	}
	return common.Address{}, nil
}

func (h *Handler) fee(ctx context.Context) (uint64, bool) {
	fee, err := h.repo.PlatformFee(ctx)
	if err != nil {
		log.Warnf("[rpc] platform fee: %v", err)
		return 0, false
	}
	return fee, true
}

func (h *Handler) listBattles(ctx context.Context, req Request) Response {
	var p viewerParams
	if err := decodeParams(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	viewer, err := h.viewer(p.Viewer)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	battles, err := h.repo.ListBattles(ctx)
	if err != nil {
		// list views degrade to an empty state
		log.Warnf("[rpc] listBattles: %v", err)
		return okResponse(req.ID, map[string]any{"battles": []battleJSON{}, "notice": err.Error()})
	}
	fee, feeKnown := h.fee(ctx)
	now := h.opts.Clock()
	out := make([]battleJSON, len(battles))
	for i, b := range battles {
		out[i] = battleOf(b, viewer, now, fee, feeKnown)
	}
	resp := map[string]any{"battles": out}
	if n, err := h.repo.BattlesCount(ctx); err == nil {
		resp["total"] = n
	} else {
		log.Warnf("[rpc] battlesCount: %v", err)
	}
	return okResponse(req.ID, resp)
}

func (h *Handler) getBattle(ctx context.Context, req Request) Response {
	var p struct {
		ID     *uint64 `json:"id"`
		Viewer string  `json:"viewer"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if p.ID == nil {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	viewer, err := h.viewer(p.Viewer)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	b, err := h.repo.GetBattle(ctx, *p.ID)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	fee, feeKnown := h.fee(ctx)
	return okResponse(req.ID, battleOf(b, viewer, h.opts.Clock(), fee, feeKnown))
}

func (h *Handler) getLeaderboard(ctx context.Context, req Request) Response {
	var p struct {
		Limit uint64 `json:"limit"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if p.Limit == 0 {
		p.Limit = h.opts.LeaderboardLimit
	}
	entries, err := h.repo.Leaderboard(ctx, p.Limit)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			return errorResponse(req.ID, err)
		}
		log.Warnf("[rpc] getLeaderboard: %v", err)
		return okResponse(req.ID, map[string]any{"entries": []leaderJSON{}, "notice": err.Error()})
	}
	out := make([]leaderJSON, len(entries))
	for i, e := range entries {
		out[i] = leaderJSON{Rank: i + 1, Address: e.Address, Stats: statsOf(&e.Stats)}
	}
	return okResponse(req.ID, map[string]any{"entries": out})
}

type addressParams struct {
	Address string `json:"address"`
}

func (h *Handler) address(raw json.RawMessage) (common.Address, error) {
	var p addressParams
	if err := decodeParams(raw, &p); err != nil {
		return common.Address{}, err
	}
	if p.Address == "" {
		if h.wallet != nil {
			if addr, ok := h.wallet.Account(); ok {
				return addr, nil
			}
		}
		return common.Address{}, errors.New("address is required")
	}
	return crypto.ParseAddress(p.Address)
}

func (h *Handler) getUserStats(ctx context.Context, req Request) Response {
	addr, err := h.address(req.Params)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	st, err := h.repo.UserStats(ctx, addr)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return okResponse(req.ID, statsOf(st))
}

func (h *Handler) getUserBattles(ctx context.Context, req Request) Response {
	addr, err := h.address(req.Params)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	battles, err := h.repo.UserBattles(ctx, addr)
	if err != nil {
		log.Warnf("[rpc] getUserBattles: %v", err)
		return okResponse(req.ID, map[string]any{"battles": []battleJSON{}, "notice": err.Error()})
	}
	fee, feeKnown := h.fee(ctx)
	now := h.opts.Clock()
	out := make([]battleJSON, len(battles))
	for i, b := range battles {
		out[i] = battleOf(b, addr, now, fee, feeKnown)
	}
	return okResponse(req.ID, map[string]any{"battles": out})
}

func (h *Handler) getPlatformFee(ctx context.Context, req Request) Response {
	fee, err := h.repo.PlatformFee(ctx)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	total, err := h.repo.TotalPlatformFees(ctx)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	out := map[string]any{
		"fee_bps":     fee,
		"fee_percent": fmt.Sprintf("%d.%02d", fee/100, fee%100),
		"total_fees":  amountOf(total),
	}
	if owner, err := h.repo.Owner(ctx); err == nil {
		out["owner"] = owner
	} else {
		log.Warnf("[rpc] owner: %v", err)
	}
	return okResponse(req.ID, out)
}

// ---- wallet ----

func (h *Handler) getAccount(ctx context.Context, req Request) Response {
	out := map[string]any{"connected": false, "target_chain_id": h.opts.ChainID}
	if h.wallet == nil {
		return okResponse(req.ID, out)
	}
	out["chain_id"] = h.wallet.ChainID()
	addr, ok := h.wallet.Account()
	if !ok {
		return okResponse(req.ID, out)
	}
	out["connected"] = true
	out["address"] = addr
	if bal, err := h.repo.Ledger().Balance(ctx, addr); err == nil {
		out["balance"] = amountOf(bal)
	} else {
		log.Warnf("[rpc] balance %s: %v", addr.Hex(), err)
	}
	return okResponse(req.ID, out)
}

func (h *Handler) switchChain(ctx context.Context, req Request) Response {
	if h.wallet == nil {
		return errResponse(req.ID, CodeInternalError, "no wallet loaded")
	}
	var p struct {
		ChainID uint64 `json:"chain_id"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if p.ChainID == 0 {
		p.ChainID = h.opts.ChainID
	}
	if err := h.wallet.SwitchChain(ctx, p.ChainID); err != nil {
		return errorResponse(req.ID, &core.Error{Kind: core.KindChainSwitch, Op: "switchChain", Err: err})
	}
	return okResponse(req.ID, map[string]uint64{"chain_id": h.wallet.ChainID()})
}

// ---- writes ----

func (h *Handler) createBattle(ctx context.Context, req Request) Response {
	if h.actions == nil {
		return errResponse(req.ID, CodeInternalError, "read-only client: no wallet loaded")
	}
	var p struct {
		Prediction        string `json:"prediction"`
		Description       string `json:"description"`
		EndTime           int64  `json:"end_time"` // unix seconds
		ChallengerSaysYes bool   `json:"challenger_says_yes"`
		Stake             string `json:"stake"` // ether, e.g. "0.01"
		Opponent          string `json:"opponent"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	stake, err := core.ParseEther(p.Stake)
	if err != nil {
		return errorResponse(req.ID, &core.Error{Kind: core.KindValidation, Op: "createBattle", Msg: "invalid stake", Err: err})
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.ActionTimeout)
	defer cancel()
	sub, err := h.actions.CreateBattle(ctx, actions.CreateRequest{
		Prediction:        p.Prediction,
		Description:       p.Description,
		EndTime:           time.Unix(p.EndTime, 0),
		ChallengerSaysYes: p.ChallengerSaysYes,
		Stake:             stake,
		Opponent:          p.Opponent,
	})
	return submissionResponse(req.ID, sub, err)
}

type battleIDParams struct {
	ID                 *uint64 `json:"id"`
	PredictionCameTrue bool    `json:"prediction_came_true"`
}

func (h *Handler) battleAction(ctx context.Context, req Request, run func(ctx context.Context, id uint64, p battleIDParams) (*actions.Submission, error)) Response {
	if h.actions == nil {
		return errResponse(req.ID, CodeInternalError, "read-only client: no wallet loaded")
	}
	var p battleIDParams
	if err := decodeParams(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if p.ID == nil {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.ActionTimeout)
	defer cancel()
	sub, err := run(ctx, *p.ID, p)
	return submissionResponse(req.ID, sub, err)
}

func (h *Handler) acceptBattle(ctx context.Context, req Request) Response {
	return h.battleAction(ctx, req, func(ctx context.Context, id uint64, _ battleIDParams) (*actions.Submission, error) {
		return h.actions.AcceptBattle(ctx, id)
	})
}

func (h *Handler) resolveBattle(ctx context.Context, req Request) Response {
	return h.battleAction(ctx, req, func(ctx context.Context, id uint64, p battleIDParams) (*actions.Submission, error) {
		return h.actions.ResolveBattle(ctx, id, p.PredictionCameTrue)
	})
}

func (h *Handler) cancelBattle(ctx context.Context, req Request) Response {
	return h.battleAction(ctx, req, func(ctx context.Context, id uint64, _ battleIDParams) (*actions.Submission, error) {
		return h.actions.CancelBattle(ctx, id)
	})
}

func (h *Handler) getPending(req Request) Response {
	if h.actions == nil {
		return okResponse(req.ID, map[string]any{"pending": []*actions.Submission{}})
	}
	return okResponse(req.ID, map[string]any{
		"pending": h.actions.Pending(),
		"recent":  h.actions.Tracker().Recent(),
	})
}

// submissionResponse reports a failed submission as an error and otherwise
// returns the submission, pending or confirmed.
func submissionResponse(id any, sub *actions.Submission, err error) Response {
	if err != nil {
		return errorResponse(id, err)
	}
	return okResponse(id, sub)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}
