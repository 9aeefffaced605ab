package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lucid-network/core"
	"lucid-network/payment"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	blocks := core.NewBlockService(nil)
	anchors := core.NewAnchoringService(blocks, 1, nil)
	proofs := core.NewMerkleProofService(anchors)
	validator := payment.NewValidator(payment.DefaultConfig(), payment.TRONAddressValidator, nil, nil)
	acceptor := payment.NewAcceptor(payment.DefaultConfig(), validator, nil, nil, nil)
	return &Server{Blocks: blocks, Anchors: anchors, Proofs: proofs, Payments: acceptor}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLatestBlockReturnsGenesis(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/v1/blocks/latest", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBlockByHeightMalformed(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/v1/blocks/not-a-number", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSessionAnchorNotFound(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/no-such-session/anchor", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSessionProofRequiresIndexOrHash(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1/proof", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSessionProofByIndex(t *testing.T) {
	s := newTestServer(t)
	if err := s.Proofs.RegisterSession("sess-1", "blake3", []string{"61", "62", "63"}); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	r := NewRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1/proof?index=0", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if verified, _ := out["verified"].(bool); !verified {
		t.Fatalf("expected verified proof, got %v", out)
	}
}

func TestCreatePaymentRejectsTooSmallAmount(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	body, _ := json.Marshal(createPaymentRequest{
		Type:             payment.TypeSession,
		TokenType:        "USDT",
		Amount:           0.001,
		RecipientAddress: "T" + "abcDEF0123456789abcDEF0123456789a",
		SessionID:        "sess-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	body, _ := json.Marshal(createPaymentRequest{
		Type:             payment.TypeSession,
		TokenType:        "USDT",
		Amount:           10.0,
		RecipientAddress: "T" + "abcDEF0123456789abcDEF0123456789a",
		SessionID:        "sess-1",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/payments/", bytes.NewReader(body))
	r.ServeHTTP(httptest.NewRecorder(), createReq)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("lucid_payments_created_total")) {
		t.Fatalf("expected payments counter in scrape output, got %s", rec.Body.String())
	}
}

func TestCreateThenGetPayment(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	body, _ := json.Marshal(createPaymentRequest{
		Type:             payment.TypeSession,
		TokenType:        "USDT",
		Amount:           10.0,
		RecipientAddress: "T" + "abcDEF0123456789abcDEF0123456789a",
		SessionID:        "sess-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	paymentID, _ := created["payment_id"].(string)
	if paymentID == "" {
		t.Fatalf("expected a payment id in response, got %v", created)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/payments/"+paymentID, nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching created payment, got %d: %s", getRec.Code, getRec.Body.String())
	}
}
