package binance

import (
	"encoding/json"
	"strconv"
)

// Kline represents one candlestick.
type Kline struct {
	OpenTime                 int64   `json:"openTime"`
	Open                     float64 `json:"open,string"`
	High                     float64 `json:"high,string"`
	Low                      float64 `json:"low,string"`
	Close                    float64 `json:"close,string"`
	Volume                   float64 `json:"volume,string"`
	CloseTime                int64   `json:"closeTime"`
	QuoteAssetVolume         float64 `json:"quoteAssetVolume,string"`
	NumberOfTrades           int     `json:"numberOfTrades"`
	TakerBuyBaseAssetVolume  float64 `json:"takerBuyBaseAssetVolume,string"`
	TakerBuyQuoteAssetVolume float64 `json:"takerBuyQuoteAssetVolume,string"`
}

// SymbolInfo represents basic spot symbol information.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// ExchangeInfo represents the spot exchange information response.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// FuturesSymbolInfo represents one futures contract.
type FuturesSymbolInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
}

// FuturesExchangeInfo represents the futures exchange information response.
type FuturesExchangeInfo struct {
	Symbols []FuturesSymbolInfo `json:"symbols"`
}

// FundingRate is one funding-rate observation. MarkPrice is nil when the
// feed omits it or returns an unparseable value.
type FundingRate struct {
	Symbol      string
	FundingTime int64
	FundingRate float64
	MarkPrice   *float64
}

// UnmarshalJSON tolerates the feed's string-typed numerics and a missing or
// empty markPrice.
func (f *FundingRate) UnmarshalJSON(data []byte) error {
	var raw struct {
		Symbol      string          `json:"symbol"`
		FundingTime int64           `json:"fundingTime"`
		FundingRate string          `json:"fundingRate"`
		MarkPrice   json.RawMessage `json:"markPrice"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Symbol = raw.Symbol
	f.FundingTime = raw.FundingTime
	rate, err := strconv.ParseFloat(raw.FundingRate, 64)
	if err != nil {
		return err
	}
	f.FundingRate = rate

	f.MarkPrice = nil
	if len(raw.MarkPrice) > 0 && string(raw.MarkPrice) != "null" {
		var s string
		if err := json.Unmarshal(raw.MarkPrice, &s); err == nil && s != "" {
			if p, err := strconv.ParseFloat(s, 64); err == nil {
				f.MarkPrice = &p
			}
		}
	}
	return nil
}

// MarshalJSON emits the persisted shape: fundingTime, fundingRate and a
// nullable markPrice.
func (f FundingRate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Symbol      string   `json:"symbol,omitempty"`
		FundingTime int64    `json:"fundingTime"`
		FundingRate float64  `json:"fundingRate"`
		MarkPrice   *float64 `json:"markPrice"`
	}{f.Symbol, f.FundingTime, f.FundingRate, f.MarkPrice})
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
