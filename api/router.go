// Package api exposes the node's read and submission surfaces over HTTP:
// Merkle inclusion proofs and anchor status for external verifiers, and
// payment request creation/status for the payment gate, per spec §6.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"lucid-network/core"
	"lucid-network/merkle"
	"lucid-network/payment"
)

// Server bundles the narrow read/write capabilities the router dispatches
// to; it holds no state of its own.
type Server struct {
	Blocks   *core.BlockService
	Anchors  *core.AnchoringService
	Proofs   *core.MerkleProofService
	Payments *payment.Acceptor
	Metrics  *Metrics
	Log      *logrus.Logger
}

// NewRouter builds the chi router for a Server.
func NewRouter(s *Server) chi.Router {
	if s.Log == nil {
		s.Log = logrus.New()
	}
	if s.Metrics == nil {
		s.Metrics = NewMetrics()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.Metrics.Handler())

	r.Route("/v1/blocks", func(r chi.Router) {
		r.Get("/latest", s.handleLatestBlock)
		r.Get("/{height}", s.handleBlockByHeight)
	})

	r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/anchor", s.handleSessionAnchor)
		r.Get("/proof", s.handleSessionProof)
	})

	r.Route("/v1/payments", func(r chi.Router) {
		r.Post("/", s.handleCreatePayment)
		r.Get("/{paymentID}", s.handleGetPayment)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	b := s.Blocks.Latest()
	if b == nil {
		writeError(w, http.StatusNotFound, "no blocks")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(chi.URLParam(r, "height"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed height")
		return
	}
	b, err := s.Blocks.ByHeight(height)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleSessionAnchor(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	res, err := s.Anchors.Result(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionProof(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var (
		proof *core.Proof
		err   error
	)
	if h := r.URL.Query().Get("chunk_hash"); h != "" {
		proof, err = s.Proofs.ProveByHash(sessionID, h)
		s.Metrics.ProofsServed.WithLabelValues("hash").Inc()
	} else if idx := r.URL.Query().Get("index"); idx != "" {
		i, perr := strconv.Atoi(idx)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "malformed index")
			return
		}
		proof, err = s.Proofs.ProveByIndex(sessionID, i)
		s.Metrics.ProofsServed.WithLabelValues("index").Inc()
	} else {
		writeError(w, http.StatusBadRequest, "one of index or chunk_hash is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	verified := s.Proofs.Verify(proof, merkle.AlgorithmBLAKE3)
	writeJSON(w, http.StatusOK, map[string]any{"proof": proof, "verified": verified})
}

type createPaymentRequest struct {
	Type             payment.Type     `json:"type"`
	TokenType        string           `json:"token_type"`
	Amount           float64          `json:"amount"`
	RecipientAddress string           `json:"recipient_address"`
	SessionID        string           `json:"session_id"`
	Priority         payment.Priority `json:"priority"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id, status, reasons := s.Payments.Create(payment.Request{
		Type:             req.Type,
		TokenType:        req.TokenType,
		Amount:           req.Amount,
		RecipientAddress: req.RecipientAddress,
		SessionID:        req.SessionID,
		Priority:         req.Priority,
	})
	code := http.StatusCreated
	if status == payment.StatusRejected {
		code = http.StatusUnprocessableEntity
	}
	s.Metrics.PaymentsCreated.WithLabelValues(string(status)).Inc()
	writeJSON(w, code, map[string]any{"payment_id": id, "status": status, "reasons": reasons})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	req, err := s.Payments.Get(paymentID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
