package fx

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func usdTable() *Table {
	return &Table{
		Base: "USD",
		Rates: map[string]decimal.Decimal{
			"USD": d("1"),
			"GBP": d("0.8"),
			"EUR": d("0.9"),
		},
		Source: "test",
	}
}

func TestConvert(t *testing.T) {
	tbl := usdTable()

	v, ok := tbl.Convert(d("100"), "GBP", "USD")
	require.True(t, ok)
	assert.True(t, d("125").Equal(v), v.String())

	v, ok = tbl.Convert(d("100"), "usd", "gbp")
	require.True(t, ok)
	assert.True(t, d("80").Equal(v), v.String())

	v, ok = tbl.Convert(d("90"), "EUR", "GBP")
	require.True(t, ok)
	assert.True(t, d("80").Equal(v.Round(6)), v.String())

	_, ok = tbl.Convert(d("1"), "JPY", "USD")
	assert.False(t, ok)
}

func TestConvert_SameCurrencyWithoutTable(t *testing.T) {
	var tbl *Table
	v, ok := tbl.Convert(d("12.34"), "CAD", "cad")
	require.True(t, ok)
	assert.True(t, d("12.34").Equal(v))

	_, ok = tbl.Convert(d("1"), "CAD", "USD")
	assert.False(t, ok)
}

func TestToReportingCurrency_MissingRateIsNotZero(t *testing.T) {
	v, ok := ToReportingCurrency(d("50"), "XYZ", usdTable(), "USD")
	assert.False(t, ok)
	assert.True(t, v.IsZero())
}

func TestSumsNormalize_USDAndGBP(t *testing.T) {
	var s Sums
	s.Add("USD", d("100"))
	s.Add("GBP", d("100"))

	sum := s.Normalize(usdTable(), "GBP")
	assert.Equal(t, "GBP", sum.Currency)
	assert.InDelta(t, 180.00, sum.Total.InexactFloat64(), 0.01)
	assert.Empty(t, sum.Excluded)
	assert.True(t, d("80").Equal(sum.Converted["USD"]))
}

func TestSumsNormalize_BucketsBeforeConverting(t *testing.T) {
	var s Sums
	for range 3 {
		s.Add("EUR", d("0.01"))
	}
	tbl := &Table{Base: "USD", Rates: map[string]decimal.Decimal{"EUR": d("3")}}

	sum := s.Normalize(tbl, "USD")
	assert.True(t, d("0.01").Equal(sum.Total), sum.Total.String())
	assert.True(t, d("0.03").Equal(sum.ByCurrency["EUR"]))
}

func TestSumsNormalize_ExcludesUnconvertible(t *testing.T) {
	var s Sums
	s.Add("USD", d("10"))
	s.Add("JPY", d("1000"))
	s.Add("KRW", d("5000"))

	sum := s.Normalize(usdTable(), "USD")
	assert.True(t, d("10").Equal(sum.Total))
	assert.Equal(t, []string{"JPY", "KRW"}, sum.Excluded)
}

func TestSumsNormalize_EmptyTable(t *testing.T) {
	var s Sums
	s.Add("USD", d("10"))
	s.Add("EUR", d("10"))

	sum := s.Normalize(&Table{}, "USD")
	assert.True(t, d("10").Equal(sum.Total))
	assert.Equal(t, []string{"EUR"}, sum.Excluded)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "USD", NormalizeCode(" usd "))
	assert.Equal(t, "XYZ", NormalizeCode("xyz"))
	assert.True(t, ValidCode("EUR"))
	assert.False(t, ValidCode("BTC"))
}
