package exchange

// Wire types for the venue's info endpoint. All numerics arrive as strings
// and are parsed defensively during normalization.

// SharedAssetCtx carries the pricing context fields common to both market
// classes.
type SharedAssetCtx struct {
	DayNtlVlm string `json:"dayNtlVlm"`
	PrevDayPx string `json:"prevDayPx"`
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx,omitempty"`
}

// PerpAssetCtx is the pricing context for one perpetual contract.
type PerpAssetCtx struct {
	SharedAssetCtx
	Funding      string `json:"funding,omitempty"`
	OpenInterest string `json:"openInterest,omitempty"`
	Premium      string `json:"premium,omitempty"`
	OraclePx     string `json:"oraclePx,omitempty"`
}

// PerpAsset is one listing in the perpetual universe.
type PerpAsset struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated,omitempty"`
}

// PerpMeta is the perpetual metadata section of the envelope.
type PerpMeta struct {
	Universe []PerpAsset `json:"universe"`
}

// SpotAssetCtx is the pricing context for one spot pair.
type SpotAssetCtx struct {
	SharedAssetCtx
	CirculatingSupply string `json:"circulatingSupply"`
}

// SpotToken describes one token listed on the spot venue.
type SpotToken struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	WeiDecimals int    `json:"weiDecimals"`
	Index       int    `json:"index"`
	TokenID     string `json:"tokenId"`
	IsCanonical bool   `json:"isCanonical"`
	EvmContract string `json:"evmContract,omitempty"`
	FullName    string `json:"fullName,omitempty"`
}

// SpotPair is one tradable pair in the spot universe. Tokens holds the
// indices of the base and quote tokens; Index correlates the pair with its
// asset context.
type SpotPair struct {
	Name        string `json:"name"`
	Tokens      [2]int `json:"tokens"`
	Index       int    `json:"index"`
	IsCanonical bool   `json:"isCanonical"`
}

// SpotMeta is the spot metadata section of the envelope.
type SpotMeta struct {
	Tokens   []SpotToken `json:"tokens"`
	Universe []SpotPair  `json:"universe"`
}

// infoRequest is the POST body selecting a query type.
type infoRequest struct {
	Type string `json:"type"`
}

const (
	queryPerpMetaAndCtxs = "metaAndAssetCtxs"
	querySpotMetaAndCtxs = "spotMetaAndAssetCtxs"
	querySpotMeta        = "spotMeta"
)
