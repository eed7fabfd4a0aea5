package shared

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UserMetadata struct {
	UserID uint64 `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	APIKey string `json:"-"`
}

// Usage is upstream reported token usage. A nil *Usage means the upstream
// never reported any.
type Usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
}

type ExchangeStatus string

const (
	StatusPending     ExchangeStatus = "pending"
	StatusStreaming   ExchangeStatus = "streaming"
	StatusCompleted   ExchangeStatus = "completed"
	StatusInterrupted ExchangeStatus = "interrupted"
	StatusError       ExchangeStatus = "error"
)

// Terminal reports whether no further transition is allowed from s
func (s ExchangeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusInterrupted || s == StatusError
}

// CanTransition enforces pending -> streaming -> {completed|interrupted|error}.
// pending may also fail directly when the stream never opened.
func (s ExchangeStatus) CanTransition(to ExchangeStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusStreaming || to == StatusError
	case StatusStreaming:
		return to.Terminal()
	default:
		return false
	}
}

type DataSource string

const (
	DataSourceReal      DataSource = "real"
	DataSourceEstimated DataSource = "estimated"
)

type ChatExchange struct {
	ID              string         `json:"id"`
	UserID          uint64         `json:"user_id"`
	SessionID       string         `json:"session_id"`
	Model           string         `json:"model"`
	UserMessage     string         `json:"user_message"`
	AIResponse      string         `json:"ai_response"`
	PartialResponse string         `json:"partial_response,omitempty"`
	TokensUsed      int64          `json:"tokens_used"`
	InputTokens     int64          `json:"input_tokens"`
	OutputTokens    int64          `json:"output_tokens"`
	BalanceAtStart  int64          `json:"balance_at_start"`
	Status          ExchangeStatus `json:"status"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

type Session struct {
	ID            string `json:"id"`
	UserID        uint64 `json:"user_id"`
	Title         string `json:"title"`
	TitleSet      bool   `json:"title_set"`
	MessageCount  int64  `json:"message_count"`
	LastMessageAt int64  `json:"last_message_at"`
	CreatedAt     int64  `json:"created_at"`
}

// UsageRecord is one append-only ledger entry, exactly one per settled exchange
type UsageRecord struct {
	ID            string     `json:"id"`
	UserID        uint64     `json:"user_id"`
	ExchangeID    string     `json:"exchange_id"`
	Tokens        int64      `json:"tokens"`
	InputTokens   int64      `json:"input_tokens"`
	OutputTokens  int64      `json:"output_tokens"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	DataSource    DataSource `json:"data_source"`
	CreatedAt     int64      `json:"created_at"`
}
