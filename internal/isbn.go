package internal

import "strings"

// digits strips everything but 0-9 and a trailing X (ISBN-10 check digit)
// from s.
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
		if r == 'x' || r == 'X' {
			b.WriteRune('X')
		}
	}
	return b.String()
}

// validISBN reports whether s is a checksum-valid ISBN-10 or ISBN-13 after
// stripping separators.
func validISBN(s string) bool {
	d := digits(s)
	switch len(d) {
	case 10:
		return validISBN10(d)
	case 13:
		return validISBN13(d)
	}
	return false
}

func validISBN10(d string) bool {
	sum := 0
	for i := 0; i < 10; i++ {
		var v int
		switch {
		case d[i] == 'X' && i == 9:
			v = 10
		case d[i] >= '0' && d[i] <= '9':
			v = int(d[i] - '0')
		default:
			return false
		}
		sum += v * (10 - i)
	}
	return sum%11 == 0
}

func validISBN13(d string) bool {
	sum := 0
	for i := 0; i < 13; i++ {
		if d[i] < '0' || d[i] > '9' {
			return false
		}
		v := int(d[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// canonicalISBN normalizes s to a 13-digit ISBN, converting from ISBN-10 when
// needed. ok is false when s is not a checksum-valid ISBN.
func canonicalISBN(s string) (string, bool) {
	d := digits(s)
	switch len(d) {
	case 13:
		if validISBN13(d) {
			return d, true
		}
	case 10:
		if validISBN10(d) {
			return isbn10to13(d), true
		}
	}
	return "", false
}

func isbn10to13(d string) string {
	body := "978" + d[:9]
	sum := 0
	for i := 0; i < 12; i++ {
		v := int(body[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	check := (10 - sum%10) % 10
	return body + string(rune('0'+check))
}

// filterISBNs drops checksum-invalid candidates and canonicalizes the rest,
// de-duplicating while preserving order.
func filterISBNs(candidates []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, c := range candidates {
		isbn, ok := canonicalISBN(c)
		if !ok {
			continue
		}
		if _, ok := seen[isbn]; ok {
			continue
		}
		seen[isbn] = struct{}{}
		out = append(out, isbn)
	}
	return out
}
