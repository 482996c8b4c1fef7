package binance

// Wire formats for the Binance USD-M futures REST and WebSocket APIs.
// Numeric fields arrive as strings and are parsed into decimals at the
// edge; nothing beyond this package sees a raw wire value.

// apiError is the standard Binance error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// exchangeInfoResponse is GET /fapi/v1/exchangeInfo (symbols + filters).
type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"` // "TRADING" when tradable
	Filters []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"` // LOT_SIZE, PRICE_FILTER, MIN_NOTIONAL
	StepSize    string `json:"stepSize,omitempty"`
	TickSize    string `json:"tickSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	MinNotional string `json:"notional,omitempty"`
}

// orderResponse is the POST/GET/DELETE /fapi/v1/order payload.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED, REJECTED
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

// positionRisk is GET /fapi/v2/positionRisk.
type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"` // signed: negative = short
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	IsolatedMargin   string `json:"isolatedMargin"`
	UpdateTime       int64  `json:"updateTime"`
}

// balanceEntry is GET /fapi/v2/balance.
type balanceEntry struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	AvailableBalance   string `json:"availableBalance"`
	CrossUnPnl         string `json:"crossUnPnl"`
}

// bookTicker is GET /fapi/v1/ticker/bookTicker.
type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// premiumIndex is GET /fapi/v1/premiumIndex (mark price).
type premiumIndex struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
	Time      int64  `json:"time"`
}

// listenKeyResponse is POST /fapi/v1/listenKey.
type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// wsEnvelope carries enough to route a user-data stream message.
type wsEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// wsOrderTradeUpdate is the ORDER_TRADE_UPDATE user-data event.
type wsOrderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Status        string `json:"X"` // order status after this event
		OrderID       int64  `json:"i"`
		LastFillQty   string `json:"l"`
		CumFillQty    string `json:"z"`
		LastFillPrice string `json:"L"`
	} `json:"o"`
}

// wsMarkPrice is the <symbol>@markPrice stream event.
type wsMarkPrice struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}
