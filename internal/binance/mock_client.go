package binance

import (
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory MarketDataClient for tests. Candles and
// funding rates are registered per symbol; queries filter by time range the
// same way the live API does.
type MockClient struct {
	mu sync.Mutex

	SpotSymbols    []SymbolInfo
	FuturesSymbols []FuturesSymbolInfo

	spotKlines    map[string][]Kline // key: symbol|interval
	futuresKlines map[string][]Kline
	fundingRates  map[string][]FundingRate

	// Errors returned verbatim for a symbol, consumed in registration order.
	klineErrors map[string][]error

	CallCount map[string]int
}

// NewMockClient creates an empty mock feed.
func NewMockClient() *MockClient {
	return &MockClient{
		spotKlines:    make(map[string][]Kline),
		futuresKlines: make(map[string][]Kline),
		fundingRates:  make(map[string][]FundingRate),
		klineErrors:   make(map[string][]error),
		CallCount:     make(map[string]int),
	}
}

// SetSpotKlines registers spot candles for symbol/interval.
func (m *MockClient) SetSpotKlines(symbol, interval string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spotKlines[symbol+"|"+interval] = klines
}

// SetFuturesKlines registers perp candles for symbol/interval.
func (m *MockClient) SetFuturesKlines(symbol, interval string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.futuresKlines[symbol+"|"+interval] = klines
}

// SetFundingRates registers funding-rate observations for a symbol.
func (m *MockClient) SetFundingRates(symbol string, rates []FundingRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundingRates[symbol] = rates
}

// FailNextKlines queues an error for the next kline fetches of a symbol.
func (m *MockClient) FailNextKlines(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klineErrors[symbol] = append(m.klineErrors[symbol], err)
}

func (m *MockClient) GetExchangeInfo() (*ExchangeInfo, error) {
	m.count("exchangeInfo")
	return &ExchangeInfo{Symbols: m.SpotSymbols}, nil
}

func (m *MockClient) GetFuturesExchangeInfo() (*FuturesExchangeInfo, error) {
	m.count("futuresExchangeInfo")
	return &FuturesExchangeInfo{Symbols: m.FuturesSymbols}, nil
}

func (m *MockClient) GetKlines(symbol, interval string, startTime, endTime time.Time, limit int) ([]Kline, error) {
	m.count("klines")
	if err := m.popError(symbol); err != nil {
		return nil, err
	}
	return m.filter(m.spotKlines, symbol, interval, startTime, endTime, limit), nil
}

func (m *MockClient) GetFuturesKlines(symbol, interval string, startTime, endTime time.Time, limit int) ([]Kline, error) {
	m.count("futuresKlines")
	if err := m.popError(symbol); err != nil {
		return nil, err
	}
	return m.filter(m.futuresKlines, symbol, interval, startTime, endTime, limit), nil
}

func (m *MockClient) GetFundingRateHistory(symbol string, startTime, endTime time.Time, limit int) ([]FundingRate, error) {
	m.count("fundingRate")
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FundingRate
	for _, r := range m.fundingRates[symbol] {
		if r.FundingTime >= startTime.UnixMilli() && r.FundingTime <= endTime.UnixMilli() {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockClient) filter(store map[string][]Kline, symbol, interval string, startTime, endTime time.Time, limit int) []Kline {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Kline
	for _, k := range store[symbol+"|"+interval] {
		if k.OpenTime >= startTime.UnixMilli() && k.OpenTime <= endTime.UnixMilli() {
			out = append(out, k)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MockClient) popError(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.klineErrors[symbol]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.klineErrors[symbol] = queue[1:]
	return err
}

func (m *MockClient) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount[method]++
}

// HourlyKlines builds n consecutive 1h candles ending just before t, with a
// linear walk from startPrice to endPrice. Test fixture helper.
func HourlyKlines(t time.Time, n int, startPrice, endPrice, volume float64) []Kline {
	klines := make([]Kline, n)
	for i := 0; i < n; i++ {
		openTime := t.Add(time.Duration(i-n) * time.Hour)
		var price float64
		if n > 1 {
			price = startPrice + (endPrice-startPrice)*float64(i)/float64(n-1)
		} else {
			price = startPrice
		}
		klines[i] = Kline{
			OpenTime:         openTime.UnixMilli(),
			Open:             price,
			High:             price * 1.01,
			Low:              price * 0.99,
			Close:            price,
			Volume:           volume,
			CloseTime:        openTime.Add(time.Hour).UnixMilli() - 1,
			QuoteAssetVolume: volume * price,
			NumberOfTrades:   100,
		}
	}
	return klines
}

var _ MarketDataClient = (*MockClient)(nil)

// String implements fmt.Stringer for debug output in tests.
func (m *MockClient) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MockClient{spot:%d futures:%d funding:%d}",
		len(m.spotKlines), len(m.futuresKlines), len(m.fundingRates))
}
