package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_egress/internal/auth"
	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/logging"
)

const defaultKeyID = "harbor-egress-key-1"

// tokenServer is a dev-only issuer for egress-api bearer tokens
type tokenServer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
}

// loadKey reads a PKCS1 PEM private key from JWT_PRIVATE_KEY or generates one
func loadKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	if privateKeyPEM == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jwks-server")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().Fatalf("key setup failed: %v", err)
	}
	ts := &tokenServer{key: key, keyID: defaultKeyID, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	logger.Plain().WithFields(map[string]any{
		"jwks":  fmt.Sprintf("http://localhost:%s/.well-known/jwks.json", port),
		"token": fmt.Sprintf("POST http://localhost:%s/token", port),
	}).Info("JWKS server starting")

	if err := http.ListenAndServe(":"+port, ts.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}

func (s *tokenServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", s.jwksHandler)
	mux.HandleFunc("POST /token", s.createTokenHandler)
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("GET /public.pem", s.publicKeyHandler)
	return mux
}

func (s *tokenServer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	response := auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: s.keyID,
		Alg: jwt.SigningMethodRS256.Alg(),
		N:   base64UrlEncode(pub.N.Bytes()),
		E:   base64UrlEncode(intToBytes(pub.E)),
	}}}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(response)
}

// publicKeyHandler serves the PEM that egress-api reads from JWT_PUBLIC_KEY
func (s *tokenServer) publicKeyHandler(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		http.Error(w, "failed to encode public key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func (s *tokenServer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		TTL     int    `json:"ttl_seconds,omitempty"` // defaults to 1 hour
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
	if ttl <= 0 {
		ttl = 3600
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": s.issuer,
		"aud": s.audience,
		"sub": req.Subject,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(ttl) * time.Second).Unix(),
	})
	token.Header["kid"] = s.keyID

	tokenString, err := token.SignedString(s.key)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      tokenString,
		"expires_in": ttl,
		"token_type": "Bearer",
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

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
