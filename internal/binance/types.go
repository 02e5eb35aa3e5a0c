package binance

import "strconv"

// =============================================================================
// REST Response Types
// =============================================================================

// AccountInfo is the response from GET /fapi/v2/account.
type AccountInfo struct {
	FeeTier                int               `json:"feeTier"`
	CanTrade               bool              `json:"canTrade"`
	CanDeposit             bool              `json:"canDeposit"`
	CanWithdraw            bool              `json:"canWithdraw"`
	UpdateTime             int64             `json:"updateTime"`
	TotalWalletBalance     string            `json:"totalWalletBalance"`
	TotalUnrealizedProfit  string            `json:"totalUnrealizedProfit"`
	TotalMarginBalance     string            `json:"totalMarginBalance"`
	TotalCrossWalletBal    string            `json:"totalCrossWalletBalance"`
	AvailableBalance       string            `json:"availableBalance"`
	MaxWithdrawAmount      string            `json:"maxWithdrawAmount"`
	Assets                 []AccountAsset    `json:"assets"`
	Positions              []AccountPosition `json:"positions"`
}

type AccountAsset struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	MarginBalance    string `json:"marginBalance"`
	AvailableBalance string `json:"availableBalance"`
	UpdateTime       int64  `json:"updateTime"`
}

type AccountPosition struct {
	Symbol           string `json:"symbol"`
	InitialMargin    string `json:"initialMargin"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	Leverage         string `json:"leverage"`
	Isolated         bool   `json:"isolated"`
	EntryPrice       string `json:"entryPrice"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	UpdateTime       int64  `json:"updateTime"`
}

// PositionRisk is the response from GET /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	IsolatedWallet   string `json:"isolatedWallet"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// Order is the response from the order endpoints and /fapi/v1/allOrders.
type Order struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	TimeInForce   string `json:"timeInForce"`
	Type          string `json:"type"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	StopPrice     string `json:"stopPrice"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// LeverageResponse is the response from POST /fapi/v1/leverage.
type LeverageResponse struct {
	Symbol           string `json:"symbol"`
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// =============================================================================
// Stream Event Types
// =============================================================================

// Event type discriminator values carried in the `e` field.
const (
	eventTicker           = "24hrTicker"
	eventKline            = "kline"
	eventDepth            = "depthUpdate"
	eventMarkPrice        = "markPriceUpdate"
	eventAccount          = "ACCOUNT_UPDATE"
	eventOrderTrade       = "ORDER_TRADE_UPDATE"
	eventListenKeyExpired = "listenKeyExpired"
)

// TickerEvent is a @ticker stream frame.
type TickerEvent struct {
	EventType   string `json:"e"` // "24hrTicker"
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	PriceChange string `json:"p"`
	ChangePct   string `json:"P"`
	LastPrice   string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
}

// MarkPriceEvent is a @markPrice stream frame.
type MarkPriceEvent struct {
	EventType       string `json:"e"` // "markPriceUpdate"
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	EstSettlePrice  string `json:"P"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// KlineEvent is a @kline_<interval> stream frame.
type KlineEvent struct {
	EventType string    `json:"e"` // "kline"
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     KlineData `json:"k"`
}

type KlineData struct {
	StartTime      int64  `json:"t"`
	CloseTime      int64  `json:"T"`
	Symbol         string `json:"s"`
	Interval       string `json:"i"`
	Open           string `json:"o"`
	Close          string `json:"c"`
	High           string `json:"h"`
	Low            string `json:"l"`
	Volume         string `json:"v"`
	NumberOfTrades int64  `json:"n"`
	IsClosed       bool   `json:"x"`
	QuoteVolume    string `json:"q"`
}

// DepthEvent is a @depth stream frame.
type DepthEvent struct {
	EventType     string     `json:"e"` // "depthUpdate"
	EventTime     int64      `json:"E"`
	TransactTime  int64      `json:"T"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevFinalID   int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// AccountUpdateEvent is an ACCOUNT_UPDATE frame on the private stream.
type AccountUpdateEvent struct {
	EventType     string            `json:"e"` // "ACCOUNT_UPDATE"
	EventTime     int64             `json:"E"`
	TransactTime  int64             `json:"T"`
	AccountUpdate AccountUpdateData `json:"a"`
}

type AccountUpdateData struct {
	Reason    string           `json:"m"`
	Balances  []BalanceUpdate  `json:"B"`
	Positions []PositionUpdate `json:"P"`
}

type BalanceUpdate struct {
	Asset              string `json:"a"`
	WalletBalance      string `json:"wb"`
	CrossWalletBalance string `json:"cw"`
	BalanceChange      string `json:"bc"`
}

type PositionUpdate struct {
	Symbol              string `json:"s"`
	PositionAmt         string `json:"pa"`
	EntryPrice          string `json:"ep"`
	BreakEvenPrice      string `json:"bep"`
	AccumulatedRealized string `json:"cr"`
	UnrealizedPnL       string `json:"up"`
	MarginType          string `json:"mt"`
	IsolatedWallet      string `json:"iw"`
	PositionSide        string `json:"ps"`
}

// OrderTradeUpdateEvent is an ORDER_TRADE_UPDATE frame on the private stream.
type OrderTradeUpdateEvent struct {
	EventType    string          `json:"e"` // "ORDER_TRADE_UPDATE"
	EventTime    int64           `json:"E"`
	TransactTime int64           `json:"T"`
	Order        OrderUpdateData `json:"o"`
}

type OrderUpdateData struct {
	Symbol              string `json:"s"`
	ClientOrderID       string `json:"c"`
	Side                string `json:"S"`
	OrderType           string `json:"o"`
	TimeInForce         string `json:"f"`
	OriginalQty         string `json:"q"`
	OriginalPrice       string `json:"p"`
	AveragePrice        string `json:"ap"`
	StopPrice           string `json:"sp"`
	ExecutionType       string `json:"x"`
	OrderStatus         string `json:"X"`
	OrderID             int64  `json:"i"`
	LastFilledQty       string `json:"l"`
	CumulativeFilledQty string `json:"z"`
	LastFilledPrice     string `json:"L"`
	CommissionAsset     string `json:"N"`
	Commission          string `json:"n"`
	TradeTime           int64  `json:"T"`
	TradeID             int64  `json:"t"`
	IsMaker             bool   `json:"m"`
	IsReduceOnly        bool   `json:"R"`
	PositionSide        string `json:"ps"`
	RealizedProfit      string `json:"rp"`
}

// AccountEvent is the closed union of private-stream frames delivered to
// account listeners.
type AccountEvent struct {
	Account    *AccountUpdateEvent
	OrderTrade *OrderTradeUpdateEvent
}

// parseFloat converts a venue decimal string, returning 0 on garbage.
func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
