package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB API ---

// clobOrderRequest is the JSON body sent to POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg           string   `json:"errorMsg"`
	OrderID            string   `json:"orderID"`
	TakingAmount       string   `json:"takingAmount"`
	MakingAmount       string   `json:"makingAmount"`
	Status             string   `json:"status"`
	TransactionsHashes []string `json:"transactionsHashes"`
	Success            bool     `json:"success"`
}

// clobOpenOrder es la respuesta de GET /data/order/{id}.
type clobOpenOrder struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Price           string   `json:"price"`
	AssociateTrades []string `json:"associate_trades"`
}

// clobTrade es un trade de GET /data/trades. Una orden puede aparecer como
// taker o dentro de maker_orders.
type clobTrade struct {
	ID              string           `json:"id"`
	TakerOrderID    string           `json:"taker_order_id"`
	Status          string           `json:"status"`
	Size            string           `json:"size"`
	Price           string           `json:"price"`
	MatchTime       json.Number      `json:"match_time"`
	TransactionHash string           `json:"transaction_hash"`
	MakerOrders     []clobMakerOrder `json:"maker_orders"`
}

type clobMakerOrder struct {
	OrderID       string `json:"order_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
}

type clobCancelRequest struct {
	OrderID string `json:"orderID"`
}

type clobCancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// --- Gamma API ---

// gammaMarketsResponse es la respuesta de GET /markets de Gamma.
type gammaMarketsResponse []gammaMarket

// gammaMarket contiene la metadata de un mercado.
// Gamma devuelve algunos campos numéricos como strings JSON, usamos json.Number.
// clobTokenIds y outcomePrices vienen como arrays JSON serializados en un string.
type gammaMarket struct {
	ConditionID   string      `json:"conditionId"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	EndDateISO    string      `json:"endDateIso"`
	EndDate       string      `json:"endDate"`
	Volume        json.Number `json:"volume"`
	Liquidity     json.Number `json:"liquidity"`
	Outcomes      string      `json:"outcomes"`
	OutcomePrices string      `json:"outcomePrices"`
	ClobTokenIDs  string      `json:"clobTokenIds"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
	Archived      bool        `json:"archived"`
	NegRisk       bool        `json:"negRisk"`
}
