package anchor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// stubGateway is a minimal anchor gateway that records what it receives.
type stubGateway struct {
	authHeaders []string
	submitted   []submitRequest
	failSubmit  bool
}

func (g *stubGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/anchors", func(w http.ResponseWriter, r *http.Request) {
		g.authHeaders = append(g.authHeaders, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			if g.failSubmit {
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rpc node unavailable"})
				return
			}
			var req submitRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			g.submitted = append(g.submitted, req)
			_ = json.NewEncoder(w).Encode(submitResponse{TxHash: "0xdeadbeef", Status: "confirmed"})
		case http.MethodGet:
			batch := r.URL.Query().Get("batch_id")
			var out recordsResponse
			for _, s := range g.submitted {
				if s.BatchID == batch {
					out.Anchors = append(out.Anchors, Record{
						BatchID: s.BatchID, EventType: s.EventType, Commitment: s.Commitment, TxHash: "0xdeadbeef",
					})
				}
			}
			_ = json.NewEncoder(w).Encode(out)
		}
	})
	return mux
}

func TestHTTPLedger_submitAndRecords(t *testing.T) {
	gw := &stubGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	l := NewHTTPLedger(HTTPConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, l.Ping(ctx))

	res := l.Submit(ctx, "B 1/x", tracechain.EventHarvested, "c0ffee")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xdeadbeef", res.TxHash)

	recs, err := l.Records(ctx, "B 1/x")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c0ffee", recs[0].Commitment)
	assert.Equal(t, tracechain.EventHarvested, recs[0].EventType)
	assert.Equal(t, "", gw.authHeaders[0], "no credentials configured")
}

func TestHTTPLedger_submitError(t *testing.T) {
	gw := &stubGateway{failSubmit: true}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	res := NewHTTPLedger(HTTPConfig{BaseURL: srv.URL}).Submit(ctx, "B1", tracechain.EventPacked, "c")
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "rpc node unavailable")
}

func TestHTTPLedger_jwtBearer(t *testing.T) {
	gw := &stubGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	secret := "s3cret"
	l := NewHTTPLedger(HTTPConfig{BaseURL: srv.URL, JWTSecret: secret})
	require.True(t, l.Submit(ctx, "B1", tracechain.EventPacked, "c").Success)

	require.Len(t, gw.authHeaders, 1)
	raw := strings.TrimPrefix(gw.authHeaders[0], "Bearer ")
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience("anchor-gateway"), jwt.WithExpirationRequired())
	require.NoError(t, err)
	claims := tok.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "traceledger", claims.Issuer)
}

func TestHTTPLedger_oauthClientCredentials(t *testing.T) {
	tokenCalls := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		_ = r.ParseForm()
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "oauth-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	gw := &stubGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	l := NewHTTPLedger(HTTPConfig{
		BaseURL:           srv.URL,
		JWTSecret:         "ignored-when-oauth-is-set",
		OAuthClientID:     "traceledger",
		OAuthClientSecret: "pw",
		OAuthTokenURL:     tokenSrv.URL,
	})
	require.True(t, l.Submit(ctx, "B1", tracechain.EventPacked, "c1").Success)
	require.True(t, l.Submit(ctx, "B1", tracechain.EventPacked, "c2").Success)

	assert.Equal(t, []string{"Bearer oauth-token", "Bearer oauth-token"}, gw.authHeaders)
	assert.Equal(t, 1, tokenCalls, "token should be cached between requests")
}

func TestOpenLedger(t *testing.T) {
	_, err := OpenLedger(ctx, ModeDisabled, HTTPConfig{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrDisabled)

	l, err := OpenLedger(ctx, ModeSimulated, HTTPConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &SimulatedLedger{}, l)

	// Unreachable gateway disables anchoring rather than failing startup.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err = OpenLedger(ctx, ModeHTTP, HTTPConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = OpenLedger(ctx, "carrier-pigeon", HTTPConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDisabled)
}

func TestSimulatedLedger(t *testing.T) {
	l := NewSimulatedLedger(0)
	r1 := l.Submit(ctx, "B1", tracechain.EventHarvested, "c")
	r2 := l.Submit(ctx, "B1", tracechain.EventHarvested, "c")
	require.True(t, r1.Success)
	assert.NotEqual(t, r1.TxHash, r2.TxHash)

	l.SetFailing(assert.AnError)
	assert.ErrorIs(t, l.Submit(ctx, "B1", tracechain.EventPacked, "d").Err, assert.AnError)

	recs, err := l.Records(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
