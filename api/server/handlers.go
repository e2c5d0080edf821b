package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalworks/voteflow/engine/pkg/allocator"
	"github.com/signalworks/voteflow/engine/pkg/auction"
	"github.com/signalworks/voteflow/engine/pkg/core"
	"github.com/signalworks/voteflow/engine/pkg/journal"
	"github.com/signalworks/voteflow/engine/pkg/registry"
	"github.com/signalworks/voteflow/engine/pkg/source"
	"github.com/signalworks/voteflow/engine/pkg/token"
)

// rewardAssetJSON mirrors core.RewardAssetView with string amounts.
type rewardAssetJSON struct {
	Asset      string `json:"asset"`
	StreamLeft string `json:"stream_left"`
	BufferHeld string `json:"buffer_held"`
}

type strategyJSON struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	PaymentAsset string            `json:"payment_asset"`
	FeeReceiver  string            `json:"fee_receiver"`
	Alive        bool              `json:"alive"`
	TotalWeight  string            `json:"total_weight"`
	VoteShareBps int64             `json:"vote_share_bps"`
	Price        string            `json:"price"`
	EpochID      uint64            `json:"epoch_id"`
	EpochStart   int64             `json:"epoch_start"`
	InitPrice    string            `json:"init_price"`
	LotBalance   string            `json:"lot_balance"`
	Claimable    string            `json:"claimable"`
	RewardAssets []rewardAssetJSON `json:"reward_assets"`
}

type voteJSON struct {
	Strategy string `json:"strategy"`
	Weight   string `json:"weight"`
}

type earnedJSON struct {
	Strategy string `json:"strategy"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

type accountJSON struct {
	Account    string       `json:"account"`
	Weight     string       `json:"weight"`
	UsedWeight string       `json:"used_weight"`
	Votes      []voteJSON   `json:"votes"`
	Rewards    []earnedJSON `json:"rewards"`
}

type overviewJSON struct {
	TotalStaked     string `json:"total_staked"`
	TotalVoteWeight string `json:"total_vote_weight"`
	CumulativeIndex string `json:"cumulative_index"`
	PendingRevenue  string `json:"pending_revenue"`
	BribeSplitBps   int64  `json:"bribe_split_bps"`
	Strategies      int    `json:"strategies"`
}

type eventJSON struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Kind       string         `json:"kind"`
	Account    string         `json:"account,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Asset      string         `json:"asset,omitempty"`
	Amount     string         `json:"amount,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func eventToJSON(ev journal.Event) eventJSON {
	return eventJSON{
		ID:         ev.ID.String(),
		OccurredAt: ev.OccurredAt,
		Kind:       ev.Kind,
		Account:    ev.Account,
		Strategy:   ev.Strategy,
		Asset:      ev.Asset,
		Amount:     ev.Amount,
		Detail:     ev.Detail,
	}
}

func strategyToJSON(v core.StrategyView) strategyJSON {
	out := strategyJSON{
		ID:           v.ID.String(),
		Name:         v.Name,
		PaymentAsset: string(v.PaymentAsset),
		FeeReceiver:  string(v.FeeReceiver),
		Alive:        v.Alive,
		TotalWeight:  v.TotalWeight.String(),
		VoteShareBps: v.VoteShareBps,
		Price:        v.Price.String(),
		EpochID:      v.EpochID,
		EpochStart:   v.EpochStart,
		InitPrice:    v.InitPrice.String(),
		LotBalance:   v.LotBalance.String(),
		Claimable:    v.Claimable.String(),
		RewardAssets: []rewardAssetJSON{},
	}
	for _, ra := range v.RewardAssets {
		out.RewardAssets = append(out.RewardAssets, rewardAssetJSON{
			Asset:      string(ra.Asset),
			StreamLeft: ra.StreamLeft.String(),
			BufferHeld: ra.BufferHeld.String(),
		})
	}
	return out
}

// parseAmount parses a non-negative decimal string.
func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", s)
	}
	return n, nil
}

func parseStrategyID(r *http.Request) (allocator.StrategyID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid strategy id: %w", err)
	}
	return id, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusForError maps engine errors onto HTTP statuses: missing entities
// are 404, state conflicts 409, bad inputs 400.
func statusForError(err error) int {
	switch {
	case errors.Is(err, allocator.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, allocator.ErrDeadStrategy),
		errors.Is(err, registry.ErrWeightLocked),
		errors.Is(err, auction.ErrEpochMismatch),
		errors.Is(err, auction.ErrDeadlineExpired),
		errors.Is(err, auction.ErrMaxPaymentExceeded),
		errors.Is(err, auction.ErrNothingToSell),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, source.ErrNothingToForward):
		return http.StatusConflict
	case errors.Is(err, allocator.ErrArrayMismatch),
		errors.Is(err, allocator.ErrInvalidWeights),
		errors.Is(err, allocator.ErrNoVotingWeight),
		errors.Is(err, allocator.ErrInvalidBribeSplit),
		errors.Is(err, registry.ErrZeroAmount),
		errors.Is(err, token.ErrNonPositiveAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("server: operation failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) handleOverview(w http.ResponseWriter, _ *http.Request) {
	ov := s.engine.Overview()
	s.writeJSON(w, http.StatusOK, overviewJSON{
		TotalStaked:     ov.TotalStaked.String(),
		TotalVoteWeight: ov.TotalVoteWeight.String(),
		CumulativeIndex: ov.CumulativeIndex.String(),
		PendingRevenue:  ov.PendingRevenue.String(),
		BribeSplitBps:   ov.BribeSplitBps,
		Strategies:      ov.Strategies,
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	views, err := s.engine.StrategyViews()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]strategyJSON, 0, len(views))
	for _, v := range views {
		out = append(out, strategyToJSON(v))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := parseStrategyID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.engine.StrategyView(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strategyToJSON(view))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct := token.Account(chi.URLParam(r, "account"))
	view, err := s.engine.AccountView(acct)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := accountJSON{
		Account:    string(view.Account),
		Weight:     view.Weight.String(),
		UsedWeight: view.UsedWeight.String(),
		Votes:      []voteJSON{},
		Rewards:    []earnedJSON{},
	}
	for _, v := range view.Votes {
		out.Votes = append(out.Votes, voteJSON{Strategy: v.Strategy.String(), Weight: v.Weight.String()})
	}
	for _, rw := range view.Rewards {
		out.Rewards = append(out.Rewards, earnedJSON{Strategy: rw.Strategy.String(), Asset: string(rw.Asset), Amount: rw.Amount.String()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.jrnl == nil {
		s.writeError(w, http.StatusNotFound, "no journal configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.jrnl.Events(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventToJSON(ev))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type stakeRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Stake(r.Context(), token.Account(req.Account), amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "staked"})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Unstake(r.Context(), token.Account(req.Account), amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unstaked"})
}

type voteRequest struct {
	Account    string   `json:"account"`
	Strategies []string `json:"strategies"`
	Weights    []string `json:"weights"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids := make([]allocator.StrategyID, 0, len(req.Strategies))
	for _, raw := range req.Strategies {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid strategy id %q", raw))
			return
		}
		ids = append(ids, id)
	}
	weights := make([]*big.Int, 0, len(req.Weights))
	for _, raw := range req.Weights {
		weight, err := parseAmount(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		weights = append(weights, weight)
	}
	if err := s.engine.Vote(r.Context(), token.Account(req.Account), ids, weights); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "voted"})
}

type accountRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.engine.Reset(r.Context(), token.Account(req.Account))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type distributeRequest struct {
	Strategy string `json:"strategy,omitempty"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Strategy == "" {
		if err := s.engine.DistributeAll(r.Context()); err != nil {
			s.writeEngineError(w, err)
			return
		}
	} else {
		id, err := uuid.Parse(req.Strategy)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid strategy id")
			return
		}
		if err := s.engine.Distribute(r.Context(), id); err != nil {
			s.writeEngineError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "distributed"})
}

type buyRequest struct {
	Buyer           string `json:"buyer"`
	Recipient       string `json:"recipient"`
	ExpectedEpochID uint64 `json:"expected_epoch_id"`
	// Deadline is a unix timestamp; zero means now plus one minute.
	Deadline   int64  `json:"deadline,omitempty"`
	MaxPayment string `json:"max_payment"`
}

type buyResponse struct {
	EpochID     uint64 `json:"epoch_id"`
	Price       string `json:"price"`
	LotAmount   string `json:"lot_amount"`
	BribeAmount string `json:"bribe_amount"`
	FeeAmount   string `json:"fee_amount"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	id, err := parseStrategyID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req buyRequest
	if !s.decode(w, r, &req) {
		return
	}
	maxPayment, err := parseAmount(req.MaxPayment)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = req.Buyer
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = s.engine.Now().Add(time.Minute).Unix()
	}
	receipt, err := s.engine.Buy(r.Context(), id, token.Account(req.Buyer), token.Account(recipient), req.ExpectedEpochID, deadline, maxPayment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, buyResponse{
		EpochID:     receipt.EpochID,
		Price:       receipt.Price.String(),
		LotAmount:   receipt.LotAmount.String(),
		BribeAmount: receipt.BribeAmount.String(),
		FeeAmount:   receipt.FeeAmount.String(),
	})
}

type flushJSON struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleFlushBuffer(w http.ResponseWriter, r *http.Request) {
	id, err := parseStrategyID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flushed, err := s.engine.FlushBuffer(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]flushJSON, 0, len(flushed))
	for _, f := range flushed {
		out = append(out, flushJSON{Asset: string(f.Asset), Amount: f.Amount.String()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClaimRewards(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	claimed, err := s.engine.ClaimRewards(r.Context(), token.Account(req.Account))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := []earnedJSON{}
	for id, payouts := range claimed {
		for _, p := range payouts {
			out = append(out, earnedJSON{Strategy: id.String(), Asset: string(p.Asset), Amount: p.Amount.String()})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

type depositRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Deposit(token.Asset(req.Asset), token.Account(req.Account), amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deposited"})
}

type revenueRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleCreditRevenue(w http.ResponseWriter, r *http.Request) {
	var req revenueRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.CreditRevenue(amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

type addStrategyRequest struct {
	Name               string `json:"name"`
	PaymentAsset       string `json:"payment_asset"`
	FeeReceiver        string `json:"fee_receiver"`
	InitPrice          string `json:"init_price"`
	EpochPeriodSeconds int64  `json:"epoch_period_seconds"`
	PriceMultiplier    string `json:"price_multiplier"`
	MinInitPrice       string `json:"min_init_price"`
}

func (s *Server) handleAddStrategy(w http.ResponseWriter, r *http.Request) {
	var req addStrategyRequest
	if !s.decode(w, r, &req) {
		return
	}
	initPrice, err := parseAmount(req.InitPrice)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	multiplier, err := parseAmount(req.PriceMultiplier)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minInitPrice, err := parseAmount(req.MinInitPrice)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.engine.AddStrategy(allocator.StrategyParams{
		Name:            req.Name,
		PaymentAsset:    token.Asset(req.PaymentAsset),
		FeeReceiver:     token.Account(req.FeeReceiver),
		InitPrice:       initPrice,
		EpochPeriod:     time.Duration(req.EpochPeriodSeconds) * time.Second,
		PriceMultiplier: multiplier,
		MinInitPrice:    minInitPrice,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *Server) handleRetireStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := parseStrategyID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.RetireStrategy(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "retired"})
}

func (s *Server) handleReviveStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := parseStrategyID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.ReviveStrategy(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revived"})
}

type rewardAssetRequest struct {
	Asset string `json:"asset"`
}

func (s *Server) handleAddRewardAsset(w http.ResponseWriter, r *http.Request) {
	id, err := parseStrategyID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req rewardAssetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Asset == "" {
		s.writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	if err := s.engine.AddRewardAsset(id, token.Asset(req.Asset)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

type bribeSplitRequest struct {
	Bps int64 `json:"bps"`
}

func (s *Server) handleSetBribeSplit(w http.ResponseWriter, r *http.Request) {
	var req bribeSplitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetBribeSplit(req.Bps); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetTreasury(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetTreasury(token.Account(req.Account)); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetRevenueSource(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetRevenueSource(token.Account(req.Account)); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
