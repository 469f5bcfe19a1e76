package symbols

import (
	"fmt"
	"strings"
)

const iconBaseURL = "https://app.hyperliquid.xyz/coins"

// resolveTokenName strips the wrapper prefix from derivative listings so the
// icon of the underlying token is used. A leading 'k' marks thousandth-unit
// wrappers (kPEPE -> PEPE).
func resolveTokenName(coin string) string {
	if strings.HasPrefix(coin, "k") && len(coin) > 1 {
		return coin[1:]
	}
	return coin
}

// PerpIconURL returns the icon asset URL for a perpetual's base coin.
func PerpIconURL(coin string) string {
	return fmt.Sprintf("%s/%s.svg", iconBaseURL, resolveTokenName(coin))
}

// SpotIconURL returns the icon asset URL for a spot pair. USD-quoted pairs
// use the bare base-token icon; everything else uses the BASE_QUOTE form.
func SpotIconURL(baseToken, quoteToken string) string {
	if quoteToken == "USD" {
		return fmt.Sprintf("%s/%s.svg", iconBaseURL, baseToken)
	}
	return fmt.Sprintf("%s/%s_%s.svg", iconBaseURL, baseToken, quoteToken)
}
