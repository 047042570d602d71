package scorer

import (
	"crypto/sha256"
	"math/big"
	"net"
	"strconv"
	"strings"
	"unicode"
)

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validateCreditCard(match string) validation {
	d := digitsOnly(match)
	if len(d) < 13 || len(d) > 19 {
		return rejected
	}
	if luhn(d) {
		return confirmed
	}
	return rejected
}

func luhn(digits string) bool {
	var sum int
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

func validateIBAN(match string) validation {
	s := strings.ToUpper(strings.ReplaceAll(match, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return rejected
	}
	rearranged := s[4:] + s[:4]
	var rem int
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
		default:
			return rejected
		}
		if v >= 10 {
			rem = (rem*100 + v) % 97
		} else {
			rem = (rem*10 + v) % 97
		}
	}
	if rem == 1 {
		return confirmed
	}
	return rejected
}

func validateIP(match string) validation {
	if net.ParseIP(strings.TrimSpace(match)) == nil {
		return rejected
	}
	return keep
}

// validateDEA checks the DEA registration number checksum.
func validateDEA(match string) validation {
	if len(match) != 9 {
		return rejected
	}
	first := unicode.ToUpper(rune(match[0]))
	if !strings.ContainsRune("ABCDEFGHJKLMPRSTUX", first) {
		return rejected
	}
	d := match[2:]
	n := func(i int) int { return int(d[i] - '0') }
	sum := n(0) + n(2) + n(4) + 2*(n(1)+n(3)+n(5))
	if sum%10 == n(6) {
		return confirmed
	}
	return rejected
}

var invalidSSNPrefixes = []string{"123456789", "98765432", "078051120"}

// validateSSN applies the SSA structural rules: no 000, 666 or 9xx area, no
// 00 group, no 0000 serial, and no well-known sample numbers.
func validateSSN(match string) validation {
	d := digitsOnly(match)
	if len(d) != 9 {
		return rejected
	}
	if strings.Count(d, d[:1]) == len(d) {
		return rejected
	}
	area, group, serial := d[:3], d[3:5], d[5:]
	if area == "000" || area == "666" || area[0] == '9' || group == "00" || serial == "0000" {
		return rejected
	}
	for _, p := range invalidSSNPrefixes {
		if strings.HasPrefix(d, p) {
			return rejected
		}
	}
	return keep
}

func validateDate(match string) validation {
	if !strings.Contains(match, "/") {
		return keep
	}
	parts := strings.Split(match, "/")
	if len(parts) != 3 {
		return rejected
	}
	a, err1 := strconv.Atoi(parts[0])
	b, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return rejected
	}
	// Accept month/day and day/month orders.
	if (a >= 1 && a <= 12 && b >= 1 && b <= 31) || (b >= 1 && b <= 12 && a >= 1 && a <= 31) {
		return keep
	}
	return rejected
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// validateBitcoin verifies the base58check checksum of legacy addresses.
// Bech32 addresses are kept at their pattern score.
func validateBitcoin(match string) validation {
	if strings.HasPrefix(match, "bc1") {
		return keep
	}
	decoded, ok := base58Decode(match)
	if !ok || len(decoded) != 25 {
		return rejected
	}
	first := sha256.Sum256(decoded[:21])
	second := sha256.Sum256(first[:])
	for i := range 4 {
		if second[i] != decoded[21+i] {
			return rejected
		}
	}
	return confirmed
}

func base58Decode(s string) ([]byte, bool) {
	n := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range s {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, false
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(idx)))
	}
	out := n.Bytes()
	// Leading '1's encode leading zero bytes.
	for _, r := range s {
		if r != '1' {
			break
		}
		out = append([]byte{0}, out...)
	}
	return out, true
}
