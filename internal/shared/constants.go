package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout     = 180 * time.Second
	DefaultDialTimeout     = 2 * time.Second
	DefaultShutdownTimeout = 10 * time.Minute
)

// DefaultFirstChunkTimeout bounds the wait for the first upstream chunk only.
// Once content flows a stream may run as long as the client stays connected.
const DefaultFirstChunkTimeout = 2 * time.Minute

// Cache Configuration
const (
	ModelServiceCacheTTL = 30 * time.Minute
	UserInfoCacheTTL     = 1 * time.Minute
)

// API Configuration
const (
	APIKeyLength       = 32
	MaxMessageRunes    = 32_000
	MaxAttachments     = 4
	MaxAttachmentBytes = 10 << 20
	MaxRequestBodyKB   = 64 << 10
	MaxListResults     = 100
	IDAlphabet         = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Connection liveness
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultLivenessTimeout   = 3 * DefaultHeartbeatInterval
)

// Token accounting
const (
	DefaultTextTokenRatio     = 0.75
	DefaultPartialFloorTokens = 10
	ImageFlatEdge             = 384
	ImageTileEdge             = 768
	ImageTileTokens           = 258
)

// Titles
const (
	MaxTitleRunes       = 15
	TitleContextRunes   = 2_000
	DefaultTitleTimeout = 20 * time.Second
)

// InflightPollInterval is how often shutdown re-checks for live streams
const InflightPollInterval = 1 * time.Second

// Exchanges
const (
	DefaultHistoryTurns   = 10
	DefaultPersistTimeout = 30 * time.Second
	StaleExchangeAge      = 1 * time.Hour
	// ExchangeLeaseInterval is how often a live stream renews its exchange
	ExchangeLeaseInterval = 5 * time.Minute
	MinStaleExchangeAge   = 3 * ExchangeLeaseInterval
)
