package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	maxBodyBytes          = 64 * 1024 // 64KB; prevents DoS from huge JSON
	invalidAddressMessage = "Invalid Hedera account format. Use 0.0.xxxxx"
	missingAddressMessage = "Missing wallet address"
	methodNotAllowedPlain = "Method Not Allowed"
	internalErrorMessage  = "internal error"
)

// FaucetRequest is the JSON body for POST /faucet.
type FaucetRequest struct {
	WalletAddress string `json:"walletAddress"`
}

// FaucetResponse is the JSON body of every /faucet reply except 405.
type FaucetResponse struct {
	Success bool   `json:"success"`
	TxID    string `json:"txId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleFaucet serves POST /faucet. forceErrorRate (0–1) lets a gameday
// overlay inject 500s to exercise the burn-rate alert.
func handleFaucet(c *claimer, forceErrorRate float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, methodNotAllowedPlain, http.StatusMethodNotAllowed)
			return
		}
		if forceErrorRate > 0 && rand.Float64() < forceErrorRate {
			writeJSON(w, http.StatusInternalServerError, FaucetResponse{Error: "injected error (gameday)"})
			return
		}
		origin := clientOrigin(r)

		var req FaucetRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			slog.Warn("invalid body", "err", err, "origin", origin)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSON(w, http.StatusRequestEntityTooLarge, FaucetResponse{Error: "body too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, FaucetResponse{Error: "invalid json"})
			return
		}

		res, err := c.Submit(r.Context(), req.WalletAddress, origin)
		if err != nil {
			writeClaimError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, FaucetResponse{Success: true, TxID: res.TransactionID})
		slog.Debug("faucet response sent", "request_id", middleware.GetReqID(r.Context()), "txId", res.TransactionID)
	}
}

func writeClaimError(w http.ResponseWriter, err error) {
	var ce *ClaimError
	if !errors.As(err, &ce) {
		writeJSON(w, http.StatusInternalServerError, FaucetResponse{Error: internalErrorMessage})
		return
	}
	switch {
	case errors.Is(ce, ErrInvalidRequest):
		if ce.Reason == reasonMissing {
			// the permissive policy answers a missing address in plain text
			http.Error(w, missingAddressMessage, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusBadRequest, FaucetResponse{Error: invalidAddressMessage})
	case errors.Is(ce, ErrRateLimited):
		secs := int(math.Ceil(ce.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, FaucetResponse{Error: ce.Error()})
	case ce.Reason == reasonStore:
		writeJSON(w, http.StatusInternalServerError, FaucetResponse{Error: internalErrorMessage})
	default:
		writeJSON(w, http.StatusInternalServerError, FaucetResponse{Error: ce.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body FaucetResponse) {
	b, err := json.Marshal(body)
	if err != nil {
		slog.Error("encode response", "err", err)
		http.Error(w, `{"success":false,"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// clientOrigin uses the leftmost X-Forwarded-For entry (behind proxy) and
// falls back to the host part of RemoteAddr.
func clientOrigin(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if idx := strings.Index(ip, ","); idx >= 0 {
		ip = strings.TrimSpace(ip[:idx])
	} else {
		ip = strings.TrimSpace(ip)
	}
	if ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
