package binance

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		SpotBaseURL:    srv.URL,
		FuturesBaseURL: srv.URL,
		RequestDelay:   time.Millisecond,
		Timeout:        2 * time.Second,
	}, zerolog.Nop())
	return c, srv
}

func TestGetKlinesParsesRows(t *testing.T) {
	raw := [][]interface{}{
		{float64(1704067200000), "42000.5", "42100.0", "41900.0", "42050.0", "123.45",
			float64(1704070799999), "5190000.0", float64(4321), "60.0", "2520000.0", "0"},
	}
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "1h", r.URL.Query().Get("interval"))
		json.NewEncoder(w).Encode(raw)
	}))

	start := time.UnixMilli(1704067200000)
	klines, err := c.GetKlines("BTCUSDT", "1h", start, start.Add(time.Hour), 24)
	require.NoError(t, err)
	require.Len(t, klines, 1)
	require.Equal(t, int64(1704067200000), klines[0].OpenTime)
	require.Equal(t, 42000.5, klines[0].Open)
	require.Equal(t, 5190000.0, klines[0].QuoteAssetVolume)
	require.Equal(t, 4321, klines[0].NumberOfTrades)
}

func TestGetKlinesUsesCache(t *testing.T) {
	var hits int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode([][]interface{}{})
	}))

	start := time.UnixMilli(1704067200000)
	for i := 0; i < 3; i++ {
		_, err := c.GetKlines("ETHUSDT", "1h", start, start.Add(time.Hour), 24)
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&hits), "identical requests must be served from cache")
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(ExchangeInfo{Symbols: []SymbolInfo{{Symbol: "BTCUSDT", Status: "TRADING", QuoteAsset: "USDT"}}})
	}))

	info, err := c.GetExchangeInfo()
	require.NoError(t, err)
	require.Len(t, info.Symbols, 1)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInvalidSymbolIsPermanent(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))

	start := time.Now().Add(-24 * time.Hour)
	_, err := c.GetKlines("NOPEUSDT", "1d", start, time.Now(), 10)
	require.ErrorIs(t, err, ErrInvalidSymbol)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "400/-1121 must not retry")
}

func TestGetFundingRateHistoryNullableMarkPrice(t *testing.T) {
	body := `[
		{"symbol":"BTCUSDT","fundingTime":1704067200000,"fundingRate":"0.00010000","markPrice":"42000.12"},
		{"symbol":"BTCUSDT","fundingTime":1704096000000,"fundingRate":"-0.00005000","markPrice":""},
		{"symbol":"BTCUSDT","fundingTime":1704124800000,"fundingRate":"0.00020000"}
	]`
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))

	rates, err := c.GetFundingRateHistory("BTCUSDT", time.UnixMilli(1704067200000), time.UnixMilli(1704124800000), 100)
	require.NoError(t, err)
	require.Len(t, rates, 3)

	require.NotNil(t, rates[0].MarkPrice)
	require.Equal(t, 42000.12, *rates[0].MarkPrice)
	require.Equal(t, 0.0001, rates[0].FundingRate)
	require.Nil(t, rates[1].MarkPrice, "empty markPrice must become null")
	require.Nil(t, rates[2].MarkPrice, "missing markPrice must become null")
}

func TestFundingRateRoundTripsNullMarkPrice(t *testing.T) {
	r := FundingRate{FundingTime: 1704067200000, FundingRate: 0.0001}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.Contains(t, string(data), `"markPrice":null`)
}
