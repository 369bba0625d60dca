package records

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alcabala/verifactu/pkg/errs"
)

// Amount is a signed monetary or percentage value held in hundredths.
// Integer math avoids floating point drift; the wire format is always two
// decimals with a dot separator and an optional leading minus.
type Amount int64

// AmountFromFloat converts a float to an Amount using half-away-from-zero
// rounding at the second decimal.
func AmountFromFloat(f float64) Amount {
	v := f * 100
	if v >= 0 {
		return Amount(int64(v + 0.5))
	}
	return Amount(int64(v - 0.5))
}

// ParseAmount parses a decimal string such as "121.00" or "-3.5". The string
// is scaled to cents with integer math so exact half-cent ties round half
// away from zero; a float round trip would mis-round them.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errs.Validation(errs.CodeBadAmount, "", "empty amount")
	}

	rest := s
	negative := false
	if rest[0] == '-' || rest[0] == '+' {
		negative = rest[0] == '-'
		rest = rest[1:]
	}
	intPart, fracPart, _ := strings.Cut(rest, ".")
	if intPart == "" && fracPart == "" {
		return 0, malformedAmount(s)
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return 0, malformedAmount(s)
	}

	var whole int64
	if intPart != "" {
		v, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, malformedAmount(s)
		}
		whole = v
	}

	var cents int64
	switch {
	case len(fracPart) == 0:
	case len(fracPart) == 1:
		cents = int64(fracPart[0]-'0') * 10
	default:
		cents = int64(fracPart[0]-'0')*10 + int64(fracPart[1]-'0')
		if len(fracPart) > 2 && fracPart[2] >= '5' {
			cents++
		}
	}

	total := whole*100 + cents
	if negative {
		total = -total
	}
	return Amount(total), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func malformedAmount(s string) *errs.Error {
	return errs.Validation(errs.CodeBadAmount, "", fmt.Sprintf("malformed amount %q", s))
}

// String renders the amount with exactly two decimals, e.g. "-3.50".
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Float returns the amount as a float64, for tolerance checks only.
func (a Amount) Float() float64 { return float64(a) / 100 }

// withinCent reports whether two amounts differ by at most 0.01.
func withinCent(a, b Amount) bool {
	d := int64(a) - int64(b)
	if d < 0 {
		d = -d
	}
	return d <= 1
}
