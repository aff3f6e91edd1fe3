package binance

import "time"

// MarketDataClient is the feed capability consumed by the filter and the
// ranking engine. Implementations must retry transient failures internally;
// ErrInvalidSymbol is the only error callers interpret specially.
type MarketDataClient interface {
	GetExchangeInfo() (*ExchangeInfo, error)
	GetFuturesExchangeInfo() (*FuturesExchangeInfo, error)
	GetKlines(symbol, interval string, startTime, endTime time.Time, limit int) ([]Kline, error)
	GetFuturesKlines(symbol, interval string, startTime, endTime time.Time, limit int) ([]Kline, error)
	GetFundingRateHistory(symbol string, startTime, endTime time.Time, limit int) ([]FundingRate, error)
}

// Verify Client satisfies the interface.
var _ MarketDataClient = (*Client)(nil)
