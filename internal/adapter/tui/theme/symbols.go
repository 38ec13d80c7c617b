package theme

import (
	"os"
	"strings"
)

type symbolSet struct {
	success, err, warning, info, arrow, bullet, ellipsis string
}

var (
	unicodeSymbols = symbolSet{"✓", "✗", "⚠", "●", "→", "•", "…"}
	asciiSymbols   = symbolSet{"[OK]", "[ERR]", "[!]", "*", "->", "-", "..."}
)

// UnicodeSupported reports whether the terminal likely renders Unicode.
// OPSDECK_ASCII_SYMBOLS=1 forces ASCII.
func UnicodeSupported() bool {
	if v := os.Getenv("OPSDECK_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	return true
}

// InitSymbols picks the Unicode or ASCII symbol set. It runs at init and
// may be called again after the environment changes.
func InitSymbols() {
	set := unicodeSymbols
	if !UnicodeSupported() {
		set = asciiSymbols
	}
	SymbolSuccess = set.success
	SymbolError = set.err
	SymbolWarning = set.warning
	SymbolInfo = set.info
	SymbolArrowR = set.arrow
	SymbolBullet = set.bullet
	SymbolEllipsis = set.ellipsis
}

func init() {
	InitSymbols()
}
