package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cheddr/x402-sequencer/sequencer"
)

type seedRequest struct {
	ChannelID       string `json:"channelId"`
	Owner           string `json:"owner"`
	Balance         string `json:"balance"`
	ExpiryTimestamp uint64 `json:"expiryTimestamp"`
}

type feeForPayment struct {
	FeeDestinationAddress string `json:"feeDestinationAddress"`
	FeeAmountCurds        string `json:"feeAmountCurds"`
}

type paymentRequest struct {
	ChannelID      string         `json:"channelId"`
	Amount         string         `json:"amount"`
	Receiver       string         `json:"receiver"`
	SequenceNumber uint64         `json:"sequenceNumber"`
	Timestamp      uint64         `json:"timestamp"`
	UserSignature  string         `json:"userSignature"`
	Purpose        string         `json:"purpose,omitempty"`
	FeeForPayment  *feeForPayment `json:"feeForPayment,omitempty"`
}

type finalizeRequest struct {
	ChannelID string `json:"channelId"`
}

type finalizeResponse struct {
	TransactionHash string `json:"transactionHash"`
}

type channelResponse struct {
	Channel *sequencer.ChannelView `json:"channel"`
}

func (s *Server) registerRoutes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/channels/by-owner/{owner}", s.handleChannelsByOwner).Methods(http.MethodGet)
	router.HandleFunc("/channel/seed", s.handleSeed).Methods(http.MethodPost)
	router.HandleFunc("/channel/{id}", s.handleGetChannel).Methods(http.MethodGet)
	router.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)
	router.HandleFunc("/settle", s.handleSettle).Methods(http.MethodPost)
	router.HandleFunc("/finalize", s.handleFinalize).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if !s.decode(w, r, &req) {
		return
	}

	view, err := s.engine.Seed(r.Context(), sequencer.SeedRequest{
		ChannelID:       req.ChannelID,
		Owner:           req.Owner,
		Balance:         req.Balance,
		ExpiryTimestamp: req.ExpiryTimestamp,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleChannelsByOwner(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ListChannelsByOwner(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}

	view, err := s.engine.Validate(r.Context(), enginePayment(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, channelResponse{Channel: view})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}

	view, err := s.engine.Settle(r.Context(), enginePayment(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, channelResponse{Channel: view})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !s.decode(w, r, &req) {
		return
	}

	txHash, err := s.engine.Finalize(r.Context(), req.ChannelID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, finalizeResponse{TransactionHash: txHash})
}

func enginePayment(req paymentRequest) sequencer.PaymentRequest {
	out := sequencer.PaymentRequest{
		ChannelID:      req.ChannelID,
		Amount:         req.Amount,
		Receiver:       req.Receiver,
		SequenceNumber: req.SequenceNumber,
		Timestamp:      req.Timestamp,
		UserSignature:  req.UserSignature,
		Purpose:        req.Purpose,
	}
	if req.FeeForPayment != nil {
		out.FeeForPayment = &sequencer.FeeForPayment{
			FeeDestinationAddress: req.FeeForPayment.FeeDestinationAddress,
			FeeAmountCurds:        req.FeeForPayment.FeeAmountCurds,
		}
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("writing response", zap.Error(err))
	}
}

// writeError maps engine errors to HTTP statuses. Internal details never
// reach the caller.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var engineErr *sequencer.Error
	if errors.As(err, &engineErr) {
		switch engineErr.Kind {
		case sequencer.KindBadRequest:
			status = http.StatusBadRequest
			message = engineErr.Message
		case sequencer.KindNotFound:
			status = http.StatusNotFound
			message = engineErr.Message
		}
	} else {
		s.logger.Error("unclassified handler error", zap.Error(err))
	}

	s.writeJSON(w, status, map[string]string{"error": message})
}
