// Package bankfield normalizes free text and banking identifiers into the
// restricted character set accepted by the bank's batch payment file.
//
// Every function here is pure and deterministic.
package bankfield

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	AccountTypeChecking = "03"
	AccountTypeSavings  = "04"

	// DefaultAccountType is used when the stored code is neither 03 nor 04.
	DefaultAccountType = AccountTypeSavings

	MaxAccountNumberLen = 17
	MaxRouteLen         = 9
	MaxReferenceLen     = 80

	ReferencePrefix = "REF*TXT**"
	ReferenceSuffix = `\`
)

var ErrNegativeAmount = errors.New("negative_amount")

// accentReplacer is applied after upper-casing, so only upper-case forms are listed.
var accentReplacer = strings.NewReplacer(
	"Á", "A", "À", "A", "Â", "A", "Ä", "A", "Ã", "A", "Å", "A",
	"É", "E", "È", "E", "Ê", "E", "Ë", "E",
	"Í", "I", "Ì", "I", "Î", "I", "Ï", "I",
	"Ó", "O", "Ò", "O", "Ô", "O", "Ö", "O", "Õ", "O",
	"Ú", "U", "Ù", "U", "Û", "U", "Ü", "U",
	"Ñ", "N", "Ç", "C", "Ý", "Y", "Ÿ", "Y",
	// Letters with no canonical decomposition.
	"Ł", "L", "Ø", "O", "Đ", "D", "Æ", "AE", "Œ", "OE", "ß", "SS", "ẞ", "SS",
)

// NormalizeName upper-cases text, folds accents to ASCII and keeps only
// [A-Z0-9 ] with single spaces between words.
func NormalizeName(text string) string {
	if text == "" {
		return ""
	}

	upper := accentReplacer.Replace(strings.ToUpper(text))
	upper = foldMarks(upper)

	var b strings.Builder
	b.Grow(len(upper))
	pendingSpace := false
	for _, r := range upper {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case isUpperAlnum(r):
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// foldMarks strips combining marks for letters outside the substitution table.
func foldMarks(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return out
}

// CleanAccountNumber keeps alphanumerics only, upper-cased, at most 17 characters.
func CleanAccountNumber(text string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(text) {
		if isUpperAlnum(r) {
			b.WriteRune(r)
		}
	}
	return Truncate(b.String(), MaxAccountNumberLen)
}

// NormalizeRoute keeps digits, drops leading zeros and caps the result at 9 digits.
func NormalizeRoute(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	if digits == "" {
		return "0"
	}
	return Truncate(digits, MaxRouteLen)
}

// Truncate returns at most n characters of text. It never pads.
func Truncate(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}

// AccountTypeCode passes through exactly "03" and "04". Anything else,
// padded values included, resolves to fallback (DefaultAccountType when
// fallback is not itself valid) and reports corrected=true so the caller can
// log it.
func AccountTypeCode(text, fallback string) (code string, corrected bool) {
	if text == AccountTypeChecking || text == AccountTypeSavings {
		return text, false
	}
	if fallback != AccountTypeChecking && fallback != AccountTypeSavings {
		fallback = DefaultAccountType
	}
	return fallback, true
}

// FormatAmount renders amount with exactly two fractional digits.
func FormatAmount(amount decimal.Decimal) (string, error) {
	if amount.IsNegative() {
		return "", ErrNegativeAmount
	}
	return amount.StringFixed(2), nil
}

// BuildReference wraps normalized free text in the bank's reference envelope.
func BuildReference(freeText string) string {
	budget := MaxReferenceLen - len(ReferencePrefix) - len(ReferenceSuffix)
	body := strings.TrimRight(Truncate(NormalizeName(freeText), budget), " ")
	return ReferencePrefix + body + ReferenceSuffix
}

func isUpperAlnum(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
