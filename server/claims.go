package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"reelchain/claim"
	"reelchain/core/engagement"
)

type claimResponse struct {
	Success       bool   `json:"success"`
	VideoID       string `json:"videoId"`
	Amount        string `json:"amount,omitempty"`
	SettlementRef string `json:"settlementRef,omitempty"`
	ErrorKind     string `json:"errorKind,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ClaimReward converts a video's accrued reward into a settled payout.
func (s *Server) ClaimReward(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	var req struct {
		RequesterAddress string `json:"requesterAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.RequesterAddress)) {
		http.Error(w, "invalid requester address", http.StatusBadRequest)
		return
	}
	requester := common.HexToAddress(req.RequesterAddress)

	outcome, err := s.Engine.Claim(r.Context(), videoID, requester)
	if err != nil {
		kind := claim.KindOf(err)
		s.Logger.Warn("claim failed",
			"video_id", videoID, "requester", requester.Hex(), "kind", string(kind), "error", err)
		s.writeJSON(w, claimStatusCode(kind), claimResponse{
			VideoID:   videoID,
			ErrorKind: string(kind),
			Error:     err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, claimResponse{
		Success:       true,
		VideoID:       outcome.VideoID,
		Amount:        outcome.Amount.String(),
		SettlementRef: outcome.SettlementRef,
	})
}

// GetClaim returns the recorded claim state for a video.
func (s *Server) GetClaim(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if _, err := s.Videos.Video(r.Context(), videoID); err != nil {
		if errors.Is(err, engagement.ErrVideoNotFound) {
			http.Error(w, "video not found", http.StatusNotFound)
			return
		}
		s.Logger.Error("video lookup failed", "video_id", videoID, "error", err)
		http.Error(w, "failed to load video", http.StatusInternalServerError)
		return
	}
	record, err := s.Registry.Get(r.Context(), videoID)
	if err != nil {
		s.Logger.Error("claim record lookup failed", "video_id", videoID, "error", err)
		http.Error(w, "failed to load claim record", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"videoId": videoID,
		"settled": record.Settled,
	}
	if record.Settled {
		resp["amount"] = record.Amount
		if record.SettlementRef != nil {
			resp["settlementRef"] = *record.SettlementRef
		}
		if record.SettledAt != nil {
			resp["settledAt"] = record.SettledAt.Format(time.RFC3339)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetBalance proxies a token balance query to the settlement ledger. Chain
// failures degrade to a zero balance with an attached note rather than an
// error status.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(raw)
	balance, err := s.Ledger.BalanceOf(r.Context(), addr)
	if err != nil {
		s.Logger.Warn("balance lookup failed", "address", addr.Hex(), "error", err)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"address": addr.Hex(),
			"balance": "0",
			"note":    "ledger unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"balance": balance.String(),
	})
}

// claimStatusCode maps a failure kind onto an HTTP status.
func claimStatusCode(kind claim.Kind) int {
	switch kind {
	case claim.KindNotFound:
		return http.StatusNotFound
	case claim.KindUnauthorized:
		return http.StatusForbidden
	case claim.KindAlreadyClaimed:
		return http.StatusConflict
	case claim.KindNoReward:
		return http.StatusBadRequest
	case claim.KindInsufficientFunds, claim.KindRejected:
		return http.StatusBadGateway
	case claim.KindUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
