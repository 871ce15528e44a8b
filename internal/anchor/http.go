package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// HTTPConfig configures an HTTPLedger.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration

	// JWTSecret, when set, signs a short-lived HS256 bearer token per request.
	JWTSecret string
	JWTIssuer string

	// OAuth client credentials take precedence over JWTSecret.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string
}

// HTTPLedger talks to a remote anchor gateway that fronts the blockchain
// contract:
//
//	POST {base}/v1/anchors            submit a commitment, waits for confirmation
//	GET  {base}/v1/anchors?batch_id=  list anchors for a batch
//	GET  {base}/healthz               liveness
type HTTPLedger struct {
	baseURL   string
	http      *http.Client
	jwtSecret []byte
	jwtIssuer string
}

// NewHTTPLedger creates an HTTPLedger.
func NewHTTPLedger(cfg HTTPConfig) *HTTPLedger {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "traceledger"
	}

	client := &http.Client{Timeout: cfg.Timeout}
	l := &HTTPLedger{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		jwtIssuer: cfg.JWTIssuer,
	}
	if cfg.OAuthTokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		client = cc.Client(context.Background())
		client.Timeout = cfg.Timeout
	} else if cfg.JWTSecret != "" {
		l.jwtSecret = []byte(cfg.JWTSecret)
	}
	l.http = client
	return l
}

type submitRequest struct {
	BatchID    string               `json:"batch_id"`
	EventType  tracechain.EventType `json:"event_type"`
	Commitment string               `json:"commitment"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type recordsResponse struct {
	Anchors []Record `json:"anchors"`
}

// Submit implements Ledger.
func (l *HTTPLedger) Submit(ctx context.Context, batchID string, eventType tracechain.EventType, commitment string) Result {
	body, err := json.Marshal(submitRequest{BatchID: batchID, EventType: eventType, Commitment: commitment})
	if err != nil {
		return Result{Err: fmt.Errorf("marshal submit request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("build submit request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	var out submitResponse
	status, err := l.do(req, &out)
	if err != nil {
		return Result{Err: err}
	}
	if status != http.StatusOK && status != http.StatusCreated {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(status)
		}
		return Result{Err: fmt.Errorf("anchor gateway returned %d: %s", status, msg)}
	}
	if out.TxHash == "" || (out.Status != "" && out.Status != "confirmed") {
		return Result{Err: fmt.Errorf("anchor not confirmed (status %q)", out.Status)}
	}
	return Result{Success: true, TxHash: out.TxHash}
}

// Records implements Ledger.
func (l *HTTPLedger) Records(ctx context.Context, batchID string) ([]Record, error) {
	u := l.baseURL + "/v1/anchors?batch_id=" + url.QueryEscape(batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build records request: %w", err)
	}

	var out recordsResponse
	status, err := l.do(req, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("anchor gateway returned status %d", status)
	}
	return out.Anchors, nil
}

// Ping implements Ledger.
func (l *HTTPLedger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	status, err := l.do(req, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("anchor gateway unhealthy: status %d", status)
	}
	return nil
}

// do sends req and decodes a JSON body into out when out is non-nil.
func (l *HTTPLedger) do(req *http.Request, out any) (int, error) {
	if l.jwtSecret != nil {
		token, err := l.serviceToken()
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (l *HTTPLedger) serviceToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    l.jwtIssuer,
		Subject:   "anchor-coordinator",
		Audience:  jwt.ClaimStrings{"anchor-gateway"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}
