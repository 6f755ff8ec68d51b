package booking

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/theplant/luhn"
)

// Номер сделки: 13 цифр unix millis + 4 случайные цифры + контрольная цифра Луна
const tradeNoLen = 18

func NewTradeNo(now time.Time) string {
	base := int(now.UnixMilli())*10000 + rand.IntN(10000)
	for d := 0; d < 10; d++ {
		if n := base*10 + d; luhn.Valid(n) {
			return strconv.Itoa(n)
		}
	}
	// недостижимо: ровно одна цифра проходит проверку
	return ""
}

// ValidTradeNo - проверка формата и контрольной цифры до обращения к хранилищу
func ValidTradeNo(tradeNo string) bool {
	if len(tradeNo) != tradeNoLen {
		return false
	}
	for _, c := range tradeNo {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(tradeNo)
	if err != nil {
		return false
	}
	return luhn.Valid(n)
}
