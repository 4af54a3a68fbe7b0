package fetcher

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ParseNumber reads upstream numbers written in either separator convention
// ("1.234,56" or "1,234.56") and ignores currency and percent symbols.
//
// With both separators present the right-most one is the decimal point. A lone
// separator repeated is a thousands separator. Occurring once it is also a
// thousands separator when it splits a non-zero group of one to three digits
// from exactly three digits ("2.345" is 2345, "0.125" stays 0.125); otherwise
// it is the decimal point. Quotes with exactly three decimals and a non-zero
// integer part are therefore misread and must arrive as JSON numbers.
func ParseNumber(raw string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' || r == '−':
			if b.Len() == 0 {
				b.WriteRune('-')
			}
		}
	}
	s := b.String()
	if s == "" || s == "-" {
		return decimal.Zero, fmt.Errorf("no digits in %q", raw)
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 || thousandsGroup(s, lastComma) {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || thousandsGroup(s, lastDot) {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %q: %w", raw, err)
	}
	return d, nil
}

// thousandsGroup reports whether the single separator at i splits "d.ddd".
func thousandsGroup(s string, i int) bool {
	head := strings.TrimPrefix(s[:i], "-")
	tail := s[i+1:]
	return len(tail) == 3 && len(head) >= 1 && len(head) <= 3 && head[0] != '0'
}

// firstField returns the first present field among names.
func firstField(item gjson.Result, names ...string) (gjson.Result, bool) {
	for _, name := range names {
		if v := item.Get(name); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func numberFrom(v gjson.Result) (decimal.Decimal, error) {
	switch v.Type {
	case gjson.Number:
		return decimal.NewFromString(v.Raw)
	case gjson.String:
		return ParseNumber(v.Str)
	default:
		return decimal.Zero, fmt.Errorf("unexpected %s value %s", v.Type, v.Raw)
	}
}
