package api

import (
	"encoding/json"
	"net/http"
)

// handleJWKS implements GET /internal/jwks, publishing the public half of
// the signing key set for verifiers outside this process.
func (d *Deps) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.Tokens.JWKS())
}
