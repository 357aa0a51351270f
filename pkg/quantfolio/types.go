// Package quantfolio is the Go SDK for the quantfolio-trader status service.
// Messages travel as google.protobuf.Struct values; this package owns their
// layout.
package quantfolio

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified service and method names.
const (
	ServiceName        = "quantfolio.v1.StatusService"
	GetStatusMethod    = "/" + ServiceName + "/GetStatus"
	WatchStatusMethod  = "/" + ServiceName + "/WatchStatus"
	ListOrdersMethod   = "/" + ServiceName + "/ListOrders"
	ControlFundMethod  = "/" + ServiceName + "/ControlFund"
	ListSignalsMethod  = "/" + ServiceName + "/ListSignals"
	WatchStatusStream  = "WatchStatus"
	FundActionStart    = "start"
	FundActionStop     = "stop"
	DefaultListLimit   = 50
	DefaultWatchBuffer = 16
)

// Position is one fund holding.
type Position struct {
	Security string          `json:"security"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// FundStatus is the published state of one fund.
type FundStatus struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	State          string            `json:"state"`
	Currency       string            `json:"currency"`
	Modules        []string          `json:"modules"`
	Cash           decimal.Decimal   `json:"cash"`
	SettledCash    decimal.Decimal   `json:"settled_cash"`
	PositionValue  decimal.Decimal   `json:"position_value"`
	NetLiquidation decimal.Decimal   `json:"net_liquidation"`
	BuyingPower    decimal.Decimal   `json:"buying_power"`
	RealizedPnL    decimal.Decimal   `json:"realized_pnl"`
	Fees           decimal.Decimal   `json:"fees"`
	Submitted      int               `json:"submitted"`
	Rejected       int               `json:"rejected"`
	Fills          int               `json:"fills"`
	OpenOrders     int               `json:"open_orders"`
	Positions      []Position        `json:"positions"`
	Consensus      map[string]string `json:"consensus"`
}

// Status is the published state of the whole portfolio.
type Status struct {
	Time           time.Time       `json:"time"`
	Currency       string          `json:"currency"`
	Cash           decimal.Decimal `json:"cash"`
	SettledCash    decimal.Decimal `json:"settled_cash"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	Funds          []FundStatus    `json:"funds"`
}

// Fund returns the status of the fund with the given id.
func (s Status) Fund(id string) (FundStatus, bool) {
	for _, f := range s.Funds {
		if f.ID == id {
			return f, true
		}
	}
	return FundStatus{}, false
}

// Order is one journaled order.
type Order struct {
	ID           int64           `json:"id"`
	FundID       string          `json:"fund_id"`
	Security     string          `json:"security"`
	Type         string          `json:"type"`
	State        string          `json:"state"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	BrokerID     string          `json:"broker_id"`
	Comment      string          `json:"comment"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Signal is one journaled consensus change.
type Signal struct {
	FundID   string    `json:"fund_id"`
	Security string    `json:"security"`
	State    string    `json:"state"`
	Time     time.Time `json:"time"`
}

// ListRequest selects journal rows. An empty FundID selects every fund.
type ListRequest struct {
	FundID string `json:"fund_id"`
	Limit  int    `json:"limit"`
}

// OrderList is the ListOrders response.
type OrderList struct {
	Orders []Order `json:"orders"`
}

// SignalList is the ListSignals response.
type SignalList struct {
	Signals []Signal `json:"signals"`
}

// FundControl is the ControlFund request.
type FundControl struct {
	FundID string `json:"fund_id"`
	Action string `json:"action"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return st, nil
}

// Decode fills v from a Struct produced by Encode.
func Decode(st *structpb.Struct, v any) error {
	b, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}
