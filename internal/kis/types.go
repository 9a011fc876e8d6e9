// Package kis speaks the brokerage's domestic-stock order endpoints on top of
// the gateway: cash orders, cancellation, open-order and daily-fill listings.
package kis

import (
	"github.com/shopspring/decimal"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Broker side codes used by listings
const (
	sideCodeSell = "01"
	sideCodeBuy  = "02"
)

func sideFromCode(code string) Side {
	switch code {
	case sideCodeSell:
		return SideSell
	case sideCodeBuy:
		return SideBuy
	}
	return ""
}

// PlaceRequest is a cash order submission
type PlaceRequest struct {
	Symbol   string
	Side     Side
	Quantity int64
	Price    decimal.Decimal
	Market   bool
}

// PlaceResult is the broker's acknowledgement of a submitted order
type PlaceResult struct {
	OrderNo     string
	RoutingCode string
	OrderTime   string
}

// CancelRequest identifies a resting order to cancel in full
type CancelRequest struct {
	OrderNo     string
	RoutingCode string
}

// OpenOrder is a row from the cancellable-orders listing. Presence in this
// listing means the order is not fully filled.
type OpenOrder struct {
	OrderNo       string
	Symbol        string
	Side          Side
	OrderQty      int64
	FilledQty     int64
	CancelableQty int64
	Price         decimal.Decimal
	RoutingCode   string
	RoutingField  string
}

// Fill is a row from the same-day fill history. One order may have several.
type Fill struct {
	OrderNo      string
	Symbol       string
	Side         Side
	OrderQty     int64
	FilledQty    int64
	RemainingQty int64
	AvgPrice     decimal.Decimal
	Cancelled    bool
	OrderDate    string
	OrderTime    string
}

func openOrderFromRow(r Row) OpenOrder {
	routing, field := RoutingField(r)
	return OpenOrder{
		OrderNo:       r.String("odno"),
		Symbol:        r.String("pdno"),
		Side:          sideFromCode(r.String("sll_buy_dvsn_cd")),
		OrderQty:      OrderQty(r),
		FilledQty:     FilledQty(r),
		CancelableQty: ParseQty(r.String("psbl_qty")),
		Price:         ParsePrice(r.String("ord_unpr")),
		RoutingCode:   routing,
		RoutingField:  field,
	}
}

func fillFromRow(r Row) Fill {
	return Fill{
		OrderNo:      r.String("odno"),
		Symbol:       r.String("pdno"),
		Side:         sideFromCode(r.String("sll_buy_dvsn_cd")),
		OrderQty:     OrderQty(r),
		FilledQty:    FilledQty(r),
		RemainingQty: ParseQty(r.String("rmn_qty")),
		AvgPrice:     ParsePrice(r.String("avg_prvs")),
		Cancelled:    r.String("cncl_yn") == "Y",
		OrderDate:    r.String("ord_dt"),
		OrderTime:    r.String("ord_tmd"),
	}
}
