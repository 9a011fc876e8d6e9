package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/gateway"
)

// Endpoint paths and operation ids
const (
	PathOrderCash      = "/uapi/domestic-stock/v1/trading/order-cash"
	PathOrderRvseCncl  = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	PathOpenOrders     = "/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl"
	PathDailyFills     = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"
	TrBuy              = "TTTC0802U"
	TrSell             = "TTTC0801U"
	TrCancel           = "TTTC0803U"
	TrOpenOrders       = "TTTC8036R"
	TrDailyFills       = "TTTC8001R"
	defaultMaxPages    = 20
	orderDivisionLimit = "00"
	orderDivisionMkt   = "01"
)

// ErrMalformedResponse means the broker accepted a call but its reply lacks
// the fields needed to interpret it
var ErrMalformedResponse = errors.New("malformed broker response")

// Caller performs one logical broker call
type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Client issues order-related broker calls for one account
type Client struct {
	caller   Caller
	account  string
	product  string
	maxPages int
	loc      *time.Location
	log      zerolog.Logger
}

// NewClient creates a client for account/product
func NewClient(caller Caller, account, product string, loc *time.Location) *Client {
	if loc == nil {
		loc = time.Local
	}
	return &Client{
		caller:   caller,
		account:  account,
		product:  product,
		maxPages: defaultMaxPages,
		loc:      loc,
		log:      config.NewBrokerLogger("kis_client", account),
	}
}

type placeOutput struct {
	OrderNo     string `json:"ODNO"`
	RoutingCode string `json:"KRX_FWDG_ORD_ORGNO"`
	OrderTime   string `json:"ORD_TMD"`
}

// PlaceCashOrder submits a limit or market cash order
func (c *Client) PlaceCashOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	trID := TrBuy
	if req.Side == SideSell {
		trID = TrSell
	}

	division := orderDivisionLimit
	price := FormatPrice(req.Price)
	if req.Market {
		division = orderDivisionMkt
		price = "0"
	}

	resp, err := c.caller.Call(ctx, gateway.Request{
		Path: PathOrderCash,
		TrID: trID,
		Params: map[string]string{
			"CANO":         c.account,
			"ACNT_PRDT_CD": c.product,
			"PDNO":         req.Symbol,
			"ORD_DVSN":     division,
			"ORD_QTY":      FormatQty(req.Quantity),
			"ORD_UNPR":     price,
		},
		Mutating:       true,
		NeedsSignature: true,
	})
	if err != nil {
		return nil, err
	}

	var out placeOutput
	if err := json.Unmarshal(resp.Output, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode order acknowledgement: %v", ErrMalformedResponse, err)
	}
	if out.OrderNo == "" {
		return nil, fmt.Errorf("%w: order acknowledgement missing ODNO", ErrMalformedResponse)
	}

	c.log.Info().
		Str("order_no", out.OrderNo).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Str("price", price).
		Msg("Cash order accepted")

	return &PlaceResult{OrderNo: out.OrderNo, RoutingCode: out.RoutingCode, OrderTime: out.OrderTime}, nil
}

// CancelOrder cancels the whole remaining quantity of a resting order
func (c *Client) CancelOrder(ctx context.Context, req CancelRequest) error {
	if req.OrderNo == "" || req.RoutingCode == "" {
		return errors.New("cancel requires order number and routing code")
	}

	_, err := c.caller.Call(ctx, gateway.Request{
		Path: PathOrderRvseCncl,
		TrID: TrCancel,
		Params: map[string]string{
			"CANO":               c.account,
			"ACNT_PRDT_CD":       c.product,
			"KRX_FWDG_ORD_ORGNO": req.RoutingCode,
			"ORGN_ODNO":          req.OrderNo,
			"ORD_DVSN":           orderDivisionLimit,
			"RVSE_CNCL_DVSN_CD":  "02",
			"ORD_QTY":            "0",
			"ORD_UNPR":           "0",
			"QTY_ALL_ORD_YN":     "Y",
		},
		Mutating:       true,
		NeedsSignature: true,
	})
	if err != nil {
		return err
	}

	c.log.Info().Str("order_no", req.OrderNo).Msg("Cancel accepted")
	return nil
}

// OpenOrders lists orders still eligible for amendment or cancellation
func (c *Client) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	rows, err := c.paginate(ctx, PathOpenOrders, TrOpenOrders, func(fk, nk string) map[string]string {
		return map[string]string{
			"CANO":           c.account,
			"ACNT_PRDT_CD":   c.product,
			"CTX_AREA_FK100": fk,
			"CTX_AREA_NK100": nk,
			"INQR_DVSN_1":    "0",
			"INQR_DVSN_2":    "0",
		}
	}, func(r *gateway.Response) json.RawMessage { return r.Output })
	if err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, openOrderFromRow(r))
	}
	return orders, nil
}

// DailyFills lists the fill history for one trading day
func (c *Client) DailyFills(ctx context.Context, day time.Time) ([]Fill, error) {
	date := day.In(c.loc).Format("20060102")
	rows, err := c.paginate(ctx, PathDailyFills, TrDailyFills, func(fk, nk string) map[string]string {
		return map[string]string{
			"CANO":            c.account,
			"ACNT_PRDT_CD":    c.product,
			"INQR_STRT_DT":    date,
			"INQR_END_DT":     date,
			"SLL_BUY_DVSN_CD": "00",
			"INQR_DVSN":       "00",
			"PDNO":            "",
			"CCLD_DVSN":       "00",
			"ORD_GNO_BRNO":    "",
			"ODNO":            "",
			"INQR_DVSN_3":     "00",
			"INQR_DVSN_1":     "",
			"CTX_AREA_FK100":  fk,
			"CTX_AREA_NK100":  nk,
		}
	}, func(r *gateway.Response) json.RawMessage { return r.Output1 })
	if err != nil {
		return nil, err
	}

	fills := make([]Fill, 0, len(rows))
	for _, r := range rows {
		fills = append(fills, fillFromRow(r))
	}
	return fills, nil
}

// paginate follows tr_cont continuation until the broker reports no more
// pages or maxPages is reached.
func (c *Client) paginate(
	ctx context.Context,
	path, trID string,
	params func(fk, nk string) map[string]string,
	rowsOf func(*gateway.Response) json.RawMessage,
) ([]Row, error) {
	var all []Row
	trCont, fk, nk := "", "", ""

	for page := 0; page < c.maxPages; page++ {
		resp, err := c.caller.Call(ctx, gateway.Request{
			Path:   path,
			TrID:   trID,
			TrCont: trCont,
			Params: params(fk, nk),
		})
		if err != nil {
			return nil, err
		}

		rows, err := decodeRows(rowsOf(resp))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode %s rows: %v", ErrMalformedResponse, trID, err)
		}
		all = append(all, rows...)

		if !resp.HasMore() {
			return all, nil
		}
		trCont, fk, nk = "N", resp.CtxAreaFK100, resp.CtxAreaNK100
	}

	c.log.Warn().
		Str("tr_id", trID).
		Int("max_pages", c.maxPages).
		Int("rows", len(all)).
		Msg("Pagination stopped at page limit")
	return all, nil
}

// decodeRows accepts an array of rows, a single row object, or nothing
func decodeRows(raw json.RawMessage) ([]Row, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '{' {
		var r Row
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return []Row{r}, nil
	}
	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
