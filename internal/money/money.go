// Package money: внутри ядра суммы хранятся в минимальных единицах валюты (int64).
// Десятичное представление провайдера получается только на границе.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrAmount = errors.New("malformed amount")

// число знаков после запятой; по умолчанию 2
var exponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BTC": 8,
	"ETH": 8,
	"BNB": 8,
}

func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinor переводит десятичную сумму в минимальные единицы.
// Дробная часть сверх точности валюты - ошибка, не округление
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(Exponent(currency))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrAmount
	}
	if !shifted.IsPositive() {
		return 0, ErrAmount
	}
	if shifted.GreaterThan(decimal.NewFromInt(1 << 53)) {
		return 0, ErrAmount
	}
	return shifted.IntPart(), nil
}

func ParseMinor(amount string, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, ErrAmount
	}
	return ToMinor(d, currency)
}

func ToMajor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// FormatMajor: "50.00" для 5000 USDT
func FormatMajor(minor int64, currency string) string {
	return ToMajor(minor, currency).StringFixed(Exponent(currency))
}
