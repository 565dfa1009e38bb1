package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/mlstock/internal/decision"
)

type fakeKiwoom struct {
	tokenCalls int32
	orderCalls int32
	orderReply func(w http.ResponseWriter, body map[string]string, key string)
	lastKey    atomic.Value
}

func (f *fakeKiwoom) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("/api/dostk/ordr", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.orderCalls, 1)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		key := r.Header.Get("Idempotency-Key")
		f.lastKey.Store(key)
		f.orderReply(w, body, key)
	})
	mux.HandleFunc("/api/dostk/mrkcond", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "005930", r.URL.Query().Get("fid_input_iscd"))
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd":  "0",
			"output": map[string]string{"stck_prpr": "+70000", "bidp1": "69900", "askp1": "70100"},
		})
	})
	return mux
}

func newTestREST(t *testing.T, f *fakeKiwoom) *RESTBroker {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	b, err := NewRESTBroker(RESTConfig{
		BaseURL:            srv.URL,
		AppKey:             "key",
		AppSecret:          "secret",
		AccountNo:          "12345678-01",
		RateLimitPerSecond: 1000,
		Burst:              10,
		Timeout:            2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return b
}

func testRequest(key string) OrderRequest {
	return OrderRequest{IdempotencyKey: key, Account: "acct-1", Symbol: "005930", Side: decision.SideBuy, Quantity: 10, Price: 70000}
}

func TestRESTBroker_PlaceOrder(t *testing.T) {
	f := &fakeKiwoom{}
	f.orderReply = func(w http.ResponseWriter, body map[string]string, key string) {
		assert.Equal(t, "12345678", body["CANO"])
		assert.Equal(t, "01", body["ACNT_PRDT_CD"])
		assert.Equal(t, "005930", body["PDNO"])
		assert.Equal(t, "10", body["ORD_QTY"])
		assert.Equal(t, "BUY", body["ORD_DVSN_CD"])
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output": map[string]string{"ODNO": "0000117057"}})
	}
	b := newTestREST(t, f)

	ack, err := b.PlaceOrder(context.Background(), testRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, "0000117057", ack.BrokerOrderID)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, "k1", f.lastKey.Load())

	_, err = b.PlaceOrder(context.Background(), testRequest("k2"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls), "token is cached")
}

func TestRESTBroker_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      map[string]any
		transient bool
		reject    string
		duplicate bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, transient: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "business rejection", status: http.StatusOK,
			body: map[string]any{"rt_cd": "1", "msg_cd": "APBK0919", "msg1": "insufficient buying power"}, reject: "APBK0919"},
		{name: "bad request", status: http.StatusBadRequest,
			body: map[string]any{"rt_cd": "1", "msg_cd": "OPSQ0002", "msg1": "invalid symbol"}, reject: "OPSQ0002"},
		{name: "duplicate key", status: http.StatusConflict,
			body: map[string]any{"rt_cd": "1", "msg_cd": "DUP", "output": map[string]string{"ODNO": "42"}}, duplicate: true},
		{name: "duplicate key not yet numbered", status: http.StatusConflict,
			body: map[string]any{"rt_cd": "1", "msg_cd": "DUP"}, transient: true},
		{name: "duplicate key with empty body", status: http.StatusConflict, transient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeKiwoom{orderReply: func(w http.ResponseWriter, _ map[string]string, _ string) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					json.NewEncoder(w).Encode(tt.body)
				}
			}}
			b := newTestREST(t, f)
			ack, err := b.PlaceOrder(context.Background(), testRequest("k1"))
			switch {
			case tt.duplicate:
				require.NoError(t, err)
				assert.True(t, ack.Duplicate)
				assert.Equal(t, "42", ack.BrokerOrderID)
			case tt.transient:
				require.Error(t, err)
				assert.True(t, IsTransient(err))
			default:
				require.Error(t, err)
				assert.False(t, IsTransient(err))
				rej, ok := AsReject(err)
				require.True(t, ok)
				assert.Equal(t, tt.reject, rej.Code)
			}
		})
	}
}

func TestRESTBroker_CancelUnknown(t *testing.T) {
	b := newTestREST(t, &fakeKiwoom{})
	err := b.CancelOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestRESTBroker_GetQuote(t *testing.T) {
	b := newTestREST(t, &fakeKiwoom{})
	q, err := b.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 70000.0, q.Last)
	assert.Equal(t, 69900.0, q.Bid)
	assert.Equal(t, 70100.0, q.Ask)
}

func TestNewRESTBroker_AccountNumber(t *testing.T) {
	_, err := NewRESTBroker(RESTConfig{BaseURL: "http://x", AppKey: "k", AppSecret: "s", AccountNo: "1234-56"}, nil)
	assert.Error(t, err)

	b, err := NewRESTBroker(RESTConfig{BaseURL: "http://x", AppKey: "k", AppSecret: "s", AccountNo: "87654321-22"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "87654321", b.cano)
	assert.Equal(t, "22", b.productCode)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(&RejectError{Code: "X"}))
	assert.True(t, IsTransient(&TransientError{Op: "x", Err: assert.AnError}))
	assert.False(t, IsTransient(nil))
}
