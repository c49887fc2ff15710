package helpers

import (
	"strconv"
	"strings"
)

// Printf renders a C format string holding at most one integer conversion.
// Conversions beyond the first print as-is; a trailing newline is dropped.
func Printf(format string, v int32) string {
	var b strings.Builder
	used := false

	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' {
			b.WriteByte(ch)
			continue
		}
		if i+1 < len(format) && format[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}

		// %[flags][width][length]conv
		j := i + 1
		for j < len(format) && strings.IndexByte("-+ 0#", format[j]) >= 0 {
			j++
		}
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			j++
		}
		for j < len(format) && strings.IndexByte("hlzjt", format[j]) >= 0 {
			j++
		}
		if j >= len(format) || used {
			b.WriteString(format[i:min(j+1, len(format))])
			i = j
			continue
		}

		verb := format[i+1 : j]
		var s string
		switch format[j] {
		case 'd', 'i':
			s = strconv.FormatInt(int64(v), 10)
		case 'u':
			s = strconv.FormatUint(uint64(uint32(v)), 10)
		case 'x':
			s = strconv.FormatUint(uint64(uint32(v)), 16)
		case 'X':
			s = strings.ToUpper(strconv.FormatUint(uint64(uint32(v)), 16))
		case 'c':
			s = string(rune(byte(v)))
		default:
			b.WriteString(format[i : j+1])
			i = j
			continue
		}
		b.WriteString(pad(s, verb))
		used = true
		i = j
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func pad(s, verb string) string {
	left := strings.Contains(verb, "-")
	zero := strings.HasPrefix(strings.TrimLeft(verb, "-+ #"), "0")
	digits := strings.TrimLeft(verb, "-+ #0")
	digits = strings.TrimRight(digits, "hlzjt")
	width, err := strconv.Atoi(digits)
	if err != nil || width <= len(s) {
		return s
	}
	fill := width - len(s)
	switch {
	case left:
		return s + strings.Repeat(" ", fill)
	case zero:
		if strings.HasPrefix(s, "-") {
			return "-" + strings.Repeat("0", fill) + s[1:]
		}
		return strings.Repeat("0", fill) + s
	}
	return strings.Repeat(" ", fill) + s
}
