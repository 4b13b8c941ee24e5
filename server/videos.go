package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"reelchain/core/engagement"
	"reelchain/videostore"
)

type videoResponse struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	CreatorAddress string `json:"creatorAddress"`
	Likes          uint64 `json:"likes"`
	Shares         uint64 `json:"shares"`
	Comments       uint64 `json:"comments"`
}

// RegisterVideo creates a video record with zeroed engagement counters.
func (s *Server) RegisterVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		Title          string `json:"title"`
		CreatorAddress string `json:"creatorAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.CreatorAddress)) {
		http.Error(w, "invalid creator address", http.StatusBadRequest)
		return
	}
	creator := common.HexToAddress(req.CreatorAddress)

	video, err := s.Videos.Register(r.Context(), req.ID, req.Title, creator)
	switch {
	case errors.Is(err, videostore.ErrVideoExists):
		http.Error(w, "video already registered", http.StatusConflict)
		return
	case errors.Is(err, videostore.ErrInvalidVideoID), errors.Is(err, videostore.ErrInvalidCreator):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.Logger.Error("video registration failed", "video_id", req.ID, "error", err)
		http.Error(w, "failed to register video", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, videoResponse{
		ID:             video.ID,
		Title:          video.Title,
		CreatorAddress: video.CreatorAddress,
	})
}

// GetVideo returns a video with its current engagement counters.
func (s *Server) GetVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	video, err := s.Videos.Video(r.Context(), videoID)
	if errors.Is(err, engagement.ErrVideoNotFound) {
		http.Error(w, "video not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.Logger.Error("video lookup failed", "video_id", videoID, "error", err)
		http.Error(w, "failed to load video", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, videoResponse{
		ID:             video.ID,
		Title:          video.Title,
		CreatorAddress: video.CreatorAddress,
		Likes:          video.Likes,
		Shares:         video.Shares,
		Comments:       video.Comments,
	})
}

// UpdateEngagement replaces the engagement counters for a video.
func (s *Server) UpdateEngagement(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	var req struct {
		Likes    uint64 `json:"likes"`
		Shares   uint64 `json:"shares"`
		Comments uint64 `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	err := s.Videos.SetCounters(r.Context(), videoID, req.Likes, req.Shares, req.Comments)
	if errors.Is(err, engagement.ErrVideoNotFound) {
		http.Error(w, "video not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.Logger.Error("engagement update failed", "video_id", videoID, "error", err)
		http.Error(w, "failed to update engagement", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":       videoID,
		"likes":    req.Likes,
		"shares":   req.Shares,
		"comments": req.Comments,
	})
}
