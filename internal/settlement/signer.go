package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSigner delegates signing to an external wallet service that holds
// the operator's key. The engine never sees private key material.
type HTTPSigner struct {
	url    string
	pubkey string
	http   *http.Client
}

// NewHTTPSigner creates a signer posting to url on behalf of pubkey.
func NewHTTPSigner(url, pubkey string) *HTTPSigner {
	return &HTTPSigner{url: url, pubkey: pubkey, http: &http.Client{Timeout: 30 * time.Second}}
}

// PublicKey returns the wallet address.
func (s *HTTPSigner) PublicKey() string {
	return s.pubkey
}

// SignAndSend posts the base64 transaction and returns its signature.
func (s *HTTPSigner) SignAndSend(ctx context.Context, transaction string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"transaction": transaction,
		"public_key":  s.pubkey,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign-and-send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Signature string `json:"signature"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("signer: decode: %w", err)
	}
	if resp.StatusCode >= 400 || out.Signature == "" {
		return "", fmt.Errorf("signer: rejected (status %d): %s", resp.StatusCode, out.Error)
	}
	return out.Signature, nil
}
