// Package record converts between device records (comma-separated numeric
// fields) and series samples.
package record

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/uartplot/internal/series"
)

// Separator splits fields within a record. Commas inside fields are not
// escapable.
const Separator = ","

// Parse converts a record into a Sample captured at the given time. Every
// field yields one value; a field with no leading number yields NaN at its
// position rather than failing the record.
func Parse(line string, at time.Time) series.Sample {
	return series.Sample{
		Timestamp: at.UnixMilli(),
		Values:    ParseValues(line),
	}
}

// ParseValues splits a record into its numeric fields.
func ParseValues(line string) []float64 {
	fields := strings.Split(line, Separator)
	values := make([]float64, len(fields))
	for i, f := range fields {
		values[i] = ParseField(f)
	}
	return values
}

// ParseField converts one field from its longest leading decimal number, so
// "3.5 V" is 3.5 and "12abc" is 12. "Infinity" and values beyond the float64
// range are kept as ±Inf. A field with no leading number is NaN.
func ParseField(field string) float64 {
	prefix := numericPrefix(strings.TrimSpace(field))
	if prefix == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(prefix, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return v
}

const infinity = "Infinity"

// numericPrefix returns the longest prefix of s that is a signed decimal
// literal with optional fraction and exponent, or a signed "Infinity".
func numericPrefix(s string) string {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	if strings.HasPrefix(s[i:], infinity) {
		return s[:i+len(infinity)]
	}

	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		j := i + 1
		for j < len(s) && isDigit(s[j]) {
			j++
			digits++
		}
		if digits > 0 {
			i = j
		}
	}
	if digits == 0 {
		return ""
	}

	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for k < len(s) && isDigit(s[k]) {
			k++
		}
		if k > j {
			i = k
		}
	}
	return s[:i]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// FormatValue renders a value the way it is written in exports: the shortest
// decimal that round-trips, switching to exponent form outside [1e-6, 1e21).
// NaN and ±Inf are written verbatim as NaN, Infinity and -Infinity.
func FormatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return infinity
	case math.IsInf(v, -1):
		return "-" + infinity
	case v == 0:
		return "0"
	}

	if abs := math.Abs(v); abs >= 1e21 || abs < 1e-6 {
		// 1e+21 and 1.5e-7, without the zero padding of %e exponents
		mant, exp, _ := strings.Cut(strconv.FormatFloat(v, 'e', -1, 64), "e")
		return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatValues renders values as a record without the terminator.
func FormatValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = FormatValue(v)
	}
	return strings.Join(parts, Separator)
}
