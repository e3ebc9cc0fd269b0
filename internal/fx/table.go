// Package fx converts multi-currency order totals into a single reporting
// currency using a periodically refreshed rate table.
package fx

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrNoRate means the table has no usable rate for a currency.
var ErrNoRate = eris.New("fx: no rate for currency")

// Table holds rates quoted as units of each currency per one unit of Base.
type Table struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetched_at"`
	Source    string                     `json:"source"`
}

// Empty reports whether the table can convert anything at all.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rates) == 0
}

// Rate returns units of code per one unit of Base.
func (t *Table) Rate(code string) (decimal.Decimal, bool) {
	if t.Empty() {
		return decimal.Zero, false
	}
	code = NormalizeCode(code)
	if code == t.Base {
		return decimal.NewFromInt(1), true
	}
	r, ok := t.Rates[code]
	if !ok || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// Convert converts amount from one currency to another through Base.
func (t *Table) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	from, to = NormalizeCode(from), NormalizeCode(to)
	if from == to && from != "" {
		return amount, true
	}
	fromRate, ok := t.Rate(from)
	if !ok {
		return decimal.Zero, false
	}
	toRate, ok := t.Rate(to)
	if !ok {
		return decimal.Zero, false
	}
	return amount.Div(fromRate).Mul(toRate), true
}

// ToReportingCurrency converts amount into the reporting currency. ok is
// false when either rate is missing; callers must exclude such amounts from
// totals instead of counting them as zero.
func ToReportingCurrency(amount decimal.Decimal, code string, table *Table, reporting string) (decimal.Decimal, bool) {
	return table.Convert(amount, code, reporting)
}

// NormalizeCode returns the canonical ISO 4217 form of code. Codes that are
// not ISO currencies are upper-cased and returned as-is so they still
// bucket consistently.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if unit, err := currency.ParseISO(code); err == nil {
		return unit.String()
	}
	return code
}

// ValidCode reports whether code is a recognized ISO 4217 currency.
func ValidCode(code string) bool {
	_, err := currency.ParseISO(strings.TrimSpace(code))
	return err == nil
}

// Sums accumulates amounts per source currency so each bucket is converted
// once, not row by row.
type Sums struct {
	buckets map[string]decimal.Decimal
}

// Add adds amount to the bucket for code.
func (s *Sums) Add(code string, amount decimal.Decimal) {
	if s.buckets == nil {
		s.buckets = make(map[string]decimal.Decimal)
	}
	code = NormalizeCode(code)
	s.buckets[code] = s.buckets[code].Add(amount)
}

// Buckets returns a copy of the per-currency totals.
func (s *Sums) Buckets() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.buckets))
	for k, v := range s.buckets {
		out[k] = v
	}
	return out
}

// Summary is a reporting-currency total built from per-currency buckets.
type Summary struct {
	Currency   string                     `json:"currency"`
	Total      decimal.Decimal            `json:"total"`
	ByCurrency map[string]decimal.Decimal `json:"by_currency"`
	Converted  map[string]decimal.Decimal `json:"converted"`
	Excluded   []string                   `json:"excluded,omitempty"`
}

// Normalize converts every bucket into reporting and totals them, rounded to
// cents. Buckets without a rate are listed in Excluded.
func (s *Sums) Normalize(table *Table, reporting string) Summary {
	reporting = NormalizeCode(reporting)
	sum := Summary{
		Currency:   reporting,
		Total:      decimal.Zero,
		ByCurrency: s.Buckets(),
		Converted:  make(map[string]decimal.Decimal, len(s.buckets)),
	}

	codes := make([]string, 0, len(s.buckets))
	for code := range s.buckets {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	total := decimal.Zero
	for _, code := range codes {
		v, ok := ToReportingCurrency(s.buckets[code], code, table, reporting)
		if !ok {
			sum.Excluded = append(sum.Excluded, code)
			continue
		}
		sum.Converted[code] = v.Round(2)
		total = total.Add(v)
	}
	sum.Total = total.Round(2)
	return sum
}
