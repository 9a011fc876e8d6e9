package kis

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Row is one record from a broker listing. Values arrive as strings or numbers
// depending on the endpoint, so they are kept raw and read through the helpers below.
type Row map[string]json.RawMessage

// String returns the field as text, or "" when absent or null
func (r Row) String(key string) string {
	raw, ok := r[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// first returns the first non-empty value among keys, and the key that held it
func (r Row) first(keys ...string) (string, string) {
	for _, k := range keys {
		if v := r.String(k); v != "" {
			return v, k
		}
	}
	return "", ""
}

// Candidate field names, in priority order. The broker names these
// inconsistently across response variants.
var (
	routingFields   = []string{"krx_fwdg_ord_orgno", "ord_orgno", "ord_gno_brno", "orgn_odno"}
	filledQtyFields = []string{"tot_ccld_qty", "ccld_qty", "cnc_cfrm_qty"}
	orderQtyFields  = []string{"ord_qty", "ord_qty_org"}
)

// RoutingField returns the order-routing organization code and the field it came from.
// An empty value means the row carries no usable routing key.
func RoutingField(r Row) (value, field string) {
	return r.first(routingFields...)
}

// FilledQty returns the executed quantity reported by a row
func FilledQty(r Row) int64 {
	v, _ := r.first(filledQtyFields...)
	return ParseQty(v)
}

// OrderQty returns the broker-echoed order quantity
func OrderQty(r Row) int64 {
	v, _ := r.first(orderQtyFields...)
	return ParseQty(v)
}

// ParseQty parses a broker quantity. Thousands separators are stripped and
// the broker's empty markers ("", "-", "None", "nan") read as zero, as does
// anything unparsable. Fractional values truncate.
func ParseQty(s string) int64 {
	d, ok := parseDecimal(s)
	if !ok {
		return 0
	}
	return d.IntPart()
}

// ParsePrice parses a broker price with the same leniency as ParseQty
func ParsePrice(s string) decimal.Decimal {
	d, ok := parseDecimal(s)
	if !ok {
		return decimal.Zero
	}
	return d
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	switch strings.ToLower(s) {
	case "", "-", "none", "nan", "null":
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// FormatQty renders a quantity the way the order endpoints expect it
func FormatQty(q int64) string {
	return strconv.FormatInt(q, 10)
}

// FormatPrice renders a price as a whole number of won
func FormatPrice(p decimal.Decimal) string {
	return p.Round(0).StringFixed(0)
}
