// Package symbols maps venue-internal asset names to the names a dashboard
// should display, and resolves icon asset URLs for instruments.
package symbols

// remappings translates internal listing names to display names.
// Example: the venue lists wrapped Bitcoin as UBTC but users expect BTC.
// TODO: feed this table from the venue's token metadata instead of hardcoding.
var remappings = map[string]string{
	"UBTC":  "BTC",
	"UETH":  "ETH",
	"USOL":  "SOL",
	"XAUT0": "XAUT",
	"UFART": "FART",
}

// DisplayName returns the user-facing name for an internal asset name. It
// checks the explicit remapping table first, then strips a single trailing
// digit (TOKEN0 -> TOKEN) as a pattern fallback.
func DisplayName(internal string) string {
	if mapped, ok := remappings[internal]; ok {
		return mapped
	}
	if n := len(internal); n > 2 && internal[n-1] >= '0' && internal[n-1] <= '9' {
		return internal[:n-1]
	}
	return internal
}

// HasDisplayMapping reports whether an internal name renders under a
// different display name.
func HasDisplayMapping(internal string) bool {
	return DisplayName(internal) != internal
}

// Remappings returns a copy of the explicit remapping table.
func Remappings() map[string]string {
	out := make(map[string]string, len(remappings))
	for k, v := range remappings {
		out[k] = v
	}
	return out
}
