package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"bobvault/adapters/mock"
	"bobvault/core/events"
	"bobvault/journal"
	"bobvault/native/lending"
	"bobvault/storage"
)

var (
	adminAddr   = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	custodyAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	poolAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	aliceAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bobAddr     = common.HexToAddress("0x00000000000000000000000000000000000000b2")

	testAuth = AuthConfig{HMACSecret: "0123456789abcdef0123456789abcdef", Issuer: "bobvault-test"}
)

type apiFixture struct {
	t       *testing.T
	server  *httptest.Server
	engine  *lending.Engine
	token   *mock.Token
	pool    *mock.Pool
	journal *journal.Journal
	feed    *events.Broadcaster
}

type fixtureOption func(*Options)

func newAPIFixture(t *testing.T, opts ...fixtureOption) *apiFixture {
	t.Helper()
	params := lending.DefaultRiskParameters()
	params.Admin = adminAddr

	token := mock.NewToken(custodyAddr)
	pool := mock.NewPool(token, poolAddr)

	db, err := journal.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	j, err := journal.New(db, nil)
	require.NoError(t, err)
	feed := events.NewBroadcaster(16)

	engine := lending.NewEngine(custodyAddr, params)
	engine.SetState(lending.NewStore(storage.NewMemDB()))
	engine.SetCollaborators(token, pool)
	engine.SetEmitter(events.MultiEmitter{j, feed})

	options := Options{Ledger: engine, Events: j, Feed: feed, Auth: testAuth}
	for _, opt := range opts {
		opt(&options)
	}
	srv, err := New(options)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{t: t, server: ts, engine: engine, token: token, pool: pool, journal: j, feed: feed}
}

func (f *apiFixture) fund(user common.Address, amount int64) {
	f.token.Mint(user, big.NewInt(amount))
	f.token.Approve(user, big.NewInt(amount))
}

func (f *apiFixture) bearer(user common.Address) string {
	f.t.Helper()
	token, err := IssueToken(testAuth, user, time.Hour)
	require.NoError(f.t, err)
	return "Bearer " + token
}

func (f *apiFixture) do(method, path string, as common.Address, body interface{}, headers ...string) (*http.Response, []byte) {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(f.t, err)
	req.Header.Set("Authorization", f.bearer(as))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(f.t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestHealthAndAuthentication(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/v1/totals")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := IssueToken(AuthConfig{HMACSecret: strings.Repeat("x", 32), Issuer: testAuth.Issuer}, aliceAddr, time.Hour)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/v1/totals", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken(testAuth, aliceAddr, -time.Hour)
	require.NoError(t, err)
	req, _ = http.NewRequest(http.MethodGet, f.server.URL+"/v1/totals", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(http.MethodGet, "/v1/totals", aliceAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	totals := decode[totalsView](t, body)
	require.Equal(t, "0.000000", totals.TotalDeposits)
	require.Equal(t, "0", totals.LastLoanID)
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(aliceAddr, 1000_000000)

	resp, body := f.do(http.MethodPost, "/v1/deposits", aliceAddr, depositRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	saga := decode[depositView](t, body)
	require.Equal(t, string(lending.SagaCredited), saga.State)
	require.Equal(t, "1000.000000", saga.Amount)

	resp, body = f.do(http.MethodPost, "/v1/loans", aliceAddr, loanRequest{Amount: "3480.01", Rate: "6.96"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	resp, body = f.do(http.MethodPost, "/v1/loans", aliceAddr, loanRequest{Amount: "3480", Rate: "6.96"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	loan := decode[loanView](t, body)
	require.Equal(t, "1", loan.ID)
	require.Equal(t, "1000.000000", loan.CollateralLocked)
	require.Equal(t, "6.96000000", loan.Rate)
	require.False(t, loan.Fulfilled)

	resp, _ = f.do(http.MethodPost, "/v1/loans/1/fulfill", aliceAddr, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(http.MethodPost, "/v1/loans/1/fulfill", adminAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.True(t, decode[loanView](t, body).Fulfilled)

	resp, _ = f.do(http.MethodPost, "/v1/loans/1/fulfill", adminAddr, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(http.MethodGet, "/v1/loans/9", bobAddr, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(http.MethodGet, "/v1/accounts/"+aliceAddr.Hex()+"/loans", bobAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]loanView](t, body), 1)

	resp, _ = f.do(http.MethodPost, "/v1/withdrawals", aliceAddr, withdrawRequest{Amount: "1", Rate: "6.96"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = f.do(http.MethodPost, "/v1/repayments", adminAddr, repaymentRequest{User: aliceAddr.Hex(), Amount: "3480"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	account := decode[accountView](t, body)
	require.Equal(t, "0.00", account.Debt)
	require.Equal(t, "3480.00", account.TotalRepaid)

	resp, body = f.do(http.MethodPost, "/v1/withdrawals", aliceAddr, withdrawRequest{Amount: "1000", Rate: "6.96"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, "1000.000000", decode[withdrawalView](t, body).Paid)
	require.Equal(t, "1000000000", f.token.BalanceOf(aliceAddr).String())

	resp, body = f.do(http.MethodPost, "/v1/accounts/close", aliceAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	closed := decode[accountView](t, body)
	require.False(t, closed.Active)
	require.NotNil(t, closed.ClosedAt)

	resp, body = f.do(http.MethodGet, "/v1/events?limit=50", bobAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var types []string
	for _, ev := range decode[[]eventView](t, body) {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{
		events.TypeTransferReceived,
		events.TypeDeposit,
		events.TypeLoanRequested,
		events.TypeLoanFulfilled,
		events.TypeRepaymentRecorded,
		events.TypeWithdrawal,
		events.TypeAccountClosed,
	}, types)

	checked, err := f.journal.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(types), checked)
}

func TestRequestValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"zero deposit", http.MethodPost, "/v1/deposits", depositRequest{Amount: "0"}, http.StatusBadRequest},
		{"excess precision", http.MethodPost, "/v1/deposits", depositRequest{Amount: "1.0000001"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/deposits", map[string]string{"amount": "1", "extra": "x"}, http.StatusBadRequest},
		{"rate out of bounds", http.MethodPost, "/v1/loans", loanRequest{Amount: "1", Rate: "101"}, http.StatusBadRequest},
		{"missing rate", http.MethodPost, "/v1/withdrawals", withdrawRequest{Amount: "1"}, http.StatusBadRequest},
		{"bad repayment user", http.MethodPost, "/v1/repayments", repaymentRequest{User: "alice", Amount: "1"}, http.StatusBadRequest},
		{"bad loan id", http.MethodPost, "/v1/loans/zero/fulfill", nil, http.StatusBadRequest},
		{"bad address", http.MethodGet, "/v1/accounts/alice", nil, http.StatusBadRequest},
		{"unknown account", http.MethodGet, "/v1/accounts/" + bobAddr.Hex(), nil, http.StatusNotFound},
		{"no allowance", http.MethodPost, "/v1/deposits", depositRequest{Amount: "5"}, http.StatusUnprocessableEntity},
		{"close unknown", http.MethodPost, "/v1/accounts/close", nil, http.StatusNotFound},
		{"pending as user", http.MethodGet, "/v1/deposits/pending", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(tc.method, tc.path, aliceAddr, tc.body)
			require.Equal(t, tc.status, resp.StatusCode, string(body))
			require.NotEmpty(t, decode[apiError](t, body).Error)
		})
	}
}

func TestQuoteEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(http.MethodGet, "/v1/quote?rate=6.96&deposit=1000&loan=3480", aliceAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	quote := decode[quoteView](t, body)
	require.Equal(t, "3480.00", quote.MaxBorrowable)
	require.Equal(t, "1000.000000", quote.RequiredCollateral)
	require.Equal(t, uint64(5000), quote.LTVBps)

	resp, _ = f.do(http.MethodGet, "/v1/quote?rate=0&deposit=1", aliceAddr, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPendingDepositResumedByAdmin(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(aliceAddr, 50_000000)
	f.pool.SetSupplyError(errors.New("pool offline"))

	resp, body := f.do(http.MethodPost, "/v1/deposits", aliceAddr, depositRequest{Amount: "50"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	saga := decode[depositView](t, body)
	require.Equal(t, string(lending.SagaReceived), saga.State)
	require.Contains(t, saga.LastError, "pool offline")

	resp, body = f.do(http.MethodGet, "/v1/deposits/pending", adminAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[[]depositView](t, body)
	require.Len(t, pending, 1)
	require.Equal(t, saga.ID, pending[0].ID)

	resp, _ = f.do(http.MethodPost, "/v1/deposits/"+saga.ID+"/resume", aliceAddr, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	f.pool.SetSupplyError(nil)
	resp, body = f.do(http.MethodPost, "/v1/deposits/"+saga.ID+"/resume", adminAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, string(lending.SagaCredited), decode[depositView](t, body).State)

	resp, _ = f.do(http.MethodPost, "/v1/deposits/unknown/resume", adminAddr, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	account, err := f.engine.Account(aliceAddr)
	require.NoError(t, err)
	require.Equal(t, "50000000", account.DepositBalance.String())
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	store, err := OpenIdempotencyStore(filepath.Join(t.TempDir(), "idem.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f := newAPIFixture(t, func(o *Options) { o.Idempotency = store })
	f.fund(aliceAddr, 20_000000)

	resp, first := f.do(http.MethodPost, "/v1/deposits", aliceAddr, depositRequest{Amount: "10"}, HeaderIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(first))

	resp, second := f.do(http.MethodPost, "/v1/deposits", aliceAddr, depositRequest{Amount: "10"}, HeaderIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	require.JSONEq(t, string(first), string(second))

	resp, _ = f.do(http.MethodPost, "/v1/deposits", aliceAddr, depositRequest{Amount: "11"}, HeaderIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Keys are scoped per caller.
	f.fund(bobAddr, 10_000000)
	resp, _ = f.do(http.MethodPost, "/v1/deposits", bobAddr, depositRequest{Amount: "10"}, HeaderIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))

	account, err := f.engine.Account(aliceAddr)
	require.NoError(t, err)
	require.Equal(t, "10000000", account.DepositBalance.String())
}

func TestIdempotencyStorePrunesExpired(t *testing.T) {
	store, err := OpenIdempotencyStore(filepath.Join(t.TempDir(), "idem.db"), time.Minute)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	require.NoError(t, store.Put("k", "fp", http.StatusOK, []byte(`{}`)))

	rec, err := store.Get("k")
	require.NoError(t, err)
	require.NotNil(t, rec)

	now = now.Add(2 * time.Minute)
	rec, err = store.Get("k")
	require.NoError(t, err)
	require.Nil(t, rec)

	removed, err := store.Prune()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestRateLimitPerCaller(t *testing.T) {
	f := newAPIFixture(t, func(o *Options) { o.RateLimit = RateLimit{RequestsPerSecond: 0.001, Burst: 2} })

	for i := 0; i < 2; i++ {
		resp, _ := f.do(http.MethodGet, "/v1/totals", aliceAddr, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.do(http.MethodGet, "/v1/totals", aliceAddr, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = f.do(http.MethodGet, "/v1/totals", bobAddr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStreamDeliversLiveEvents(t *testing.T) {
	f := newAPIFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/events/ws"
	header := http.Header{}
	header.Set("Authorization", f.bearer(bobAddr))
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return f.feed.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.fund(aliceAddr, 1_000000)
	resp, _ := f.do(http.MethodPost, "/v1/deposits", aliceAddr, depositRequest{Amount: "1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var received []string
	for len(received) < 2 {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev struct {
			Type       string            `json:"type"`
			Attributes map[string]string `json:"attributes"`
		}
		require.NoError(t, json.Unmarshal(data, &ev))
		received = append(received, ev.Type)
	}
	require.Equal(t, []string{events.TypeTransferReceived, events.TypeDeposit}, received)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{lending.ErrInvalidAmount, http.StatusBadRequest},
		{lending.ErrInvalidRate, http.StatusBadRequest},
		{lending.ErrUnauthorized, http.StatusForbidden},
		{lending.ErrUnknownLoan, http.StatusNotFound},
		{lending.ErrAlreadyFulfilled, http.StatusConflict},
		{lending.ErrInsufficientCollateral, http.StatusUnprocessableEntity},
		{lending.ErrExceedsBorrowingCapacity, http.StatusUnprocessableEntity},
		{lending.ErrRepaymentExceedsDebt, http.StatusUnprocessableEntity},
		{lending.ErrReentrantCall, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusOf(fmt.Errorf("wrapped: %w", tc.err))
		if status != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, status)
		}
	}
}
