package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

var (
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      = "taskpulse-key-1"
)

const (
	tokenIssuer   = "taskpulse"
	tokenAudience = "taskpulse-admin"
)

// Init loads an RSA key pair from JWT_PRIVATE_KEY if set, else generates one.
func init() {
	var err error

	if privateKeyPEM := os.Getenv("JWT_PRIVATE_KEY"); privateKeyPEM != "" {
		block, _ := pem.Decode([]byte(privateKeyPEM))
		if block == nil {
			log.Fatal("Failed to decode PEM private key")
		}

		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			log.Fatalf("Failed to parse private key: %v", err)
		}
	} else {
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			log.Fatalf("Failed to generate RSA key: %v", err)
		}
		log.Printf("Generated new RSA key pair for JWT signing")
	}

	publicKey = &privateKey.PublicKey
}

// publicKeyPEM renders the signing key's public half as PEM. The engine
// expects exactly this text in AUTH_PUBLIC_KEY.
func publicKeyPEM() string {
	der := x509.MarshalPKCS1PublicKey(publicKey)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: der,
	}))
}

// jwksHandler serves the JWKS endpoint
func jwksHandler(w http.ResponseWriter, r *http.Request) {
	jwk := JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		N:   base64UrlEncode(publicKey.N.Bytes()),
		E:   base64UrlEncode(intToBytes(publicKey.E)),
	}

	response := JWKSResponse{
		Keys: []JWK{jwk},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	json.NewEncoder(w).Encode(response)
}

// publicKeyHandler serves the PEM-encoded public key for engine configuration.
func publicKeyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(publicKeyPEM()))
}

// createTokenHandler mints an admin API token for the given subject.
func createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		TTL     int    `json:"ttl_seconds,omitempty"` // Optional, defaults to 1 hour
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = 3600
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": tokenIssuer,
		"aud": tokenAudience,
		"sub": req.Subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Duration(ttl) * time.Second).Unix(),
	})

	token.Header["kid"] = keyID

	tokenString, err := token.SignedString(privateKey)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"token":      tokenString,
		"expires_in": ttl,
		"token_type": "Bearer",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// main starts the token issuer HTTP server
func main() {
	http.HandleFunc("/.well-known/jwks.json", jwksHandler)
	http.HandleFunc("/public-key", publicKeyHandler)
	http.HandleFunc("/token", createTokenHandler)
	http.HandleFunc("/healthz", healthHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	log.Printf("Token issuer starting on port %s", port)
	log.Printf("Token creation: POST http://localhost:%s/token", port)
	log.Printf("Engine public key (AUTH_PUBLIC_KEY):\n%s", publicKeyPEM())

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// Helper functions for JWK encoding
func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}

	bytes := make([]byte, 0)
	for i > 0 {
		bytes = append([]byte{byte(i & 0xff)}, bytes...)
		i >>= 8
	}
	return bytes
}
