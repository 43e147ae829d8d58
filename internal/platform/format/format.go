package format

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// DefaultLocale is used when the configured locale cannot be parsed.
const DefaultLocale = "pt-BR"

// ParseLocale normalises a locale string such as "pt_BR" into a language tag.
func ParseLocale(lang string) (language.Tag, error) {
	lang = strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
	if lang == "" {
		lang = DefaultLocale
	}
	return language.Parse(lang)
}

// Amount formats value with exactly two fraction digits using the separators of lang.
// Example: Amount(1234.5, "pt-BR") => "1.234,50"
func Amount(value decimal.Decimal, lang string) string {
	tag, err := ParseLocale(lang)
	if err != nil {
		tag = language.MustParse(DefaultLocale)
	}
	p := message.NewPrinter(tag)

	rounded := value.Round(2)
	whole, fraction, _ := strings.Cut(rounded.Abs().StringFixed(2), ".")
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
	}
	return sign + groupWhole(p, whole) + separator(p, number.Decimal(1.5, number.Scale(1)), "1", "5") + fraction
}

// groupWhole renders the integer digits with the locale grouping. Digits beyond int64 are grouped by thousands.
func groupWhole(p *message.Printer, digits string) string {
	if parsed, err := strconv.ParseInt(digits, 10, 64); err == nil {
		return p.Sprint(number.Decimal(parsed))
	}
	group := separator(p, number.Decimal(1000), "1", "000")
	var b strings.Builder
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for idx := lead; idx < len(digits); idx += 3 {
		b.WriteString(group)
		b.WriteString(digits[idx : idx+3])
	}
	return b.String()
}

// separator extracts the locale symbol printed between prefix and suffix for a sample number.
func separator(p *message.Printer, sample any, prefix, suffix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(p.Sprint(sample), prefix), suffix)
}

// Currency prefixes the formatted amount with a currency symbol.
// Example: Currency(600, "R$", "pt-BR") => "R$ 600,00"
func Currency(value decimal.Decimal, symbol, lang string) string {
	formatted := Amount(value, lang)
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return formatted
	}
	return symbol + " " + formatted
}
