package models

import "time"

// SubscriptionStatus tracks the billing state of a user's plan.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
)

// Valid reports whether s is one of the known subscription states.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionInactive, SubscriptionCancelled, SubscriptionPastDue:
		return true
	}
	return false
}

// CreditAccount is the per-user credit balance. Credits never drop below zero.
type CreditAccount struct {
	UserID             string             `json:"userId"`
	Credits            int                `json:"credits"`
	TotalCreditsEver   int                `json:"totalCreditsEver"`
	PlanID             string             `json:"planId,omitempty"`
	PlanName           string             `json:"planName,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionPurchase    TransactionType = "purchase"
	TransactionConsumption TransactionType = "consumption"
	TransactionRefund      TransactionType = "refund"
	TransactionBonus       TransactionType = "bonus"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionConsumption, TransactionRefund, TransactionBonus:
		return true
	}
	return false
}

// CreditTransaction is an append-only ledger entry. Amount is negative for consumption.
type CreditTransaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Type           TransactionType `json:"type"`
	Amount         int             `json:"amount"`
	Description    string          `json:"description"`
	RelatedVideoID string          `json:"relatedVideoId,omitempty"`
	RelatedPlanID  string          `json:"relatedPlanId,omitempty"`
	BalanceAfter   int             `json:"balanceAfter"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Plan is a purchasable subscription tier.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Credits     int    `json:"credits"`
	PriceCents  int    `json:"priceCents"`
	Description string `json:"description"`
}

// VideoStatus is the lifecycle state of a generated video.
type VideoStatus string

const (
	VideoGenerating VideoStatus = "generating"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
)

// Terminal reports whether the status ends a generation attempt.
func (s VideoStatus) Terminal() bool {
	return s == VideoCompleted || s == VideoFailed
}

// Valid reports whether s is a known video status.
func (s VideoStatus) Valid() bool {
	return s == VideoGenerating || s.Terminal()
}

// LogLevel is the severity of a processing log line.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ProcessingLog is a single audit line attached to a video.
type ProcessingLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
}

// VideoMetadata describes the stored output of a successful generation.
type VideoMetadata struct {
	FileSize    int64  `json:"fileSize"`
	Duration    int    `json:"duration"`
	Resolution  string `json:"resolution"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspectRatio"`
}

// GenerationParams are the validated inputs sent to the generation API.
type GenerationParams struct {
	AspectRatio    string  `json:"aspectRatio"`
	Duration       int     `json:"duration"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	CFGScale       float64 `json:"cfgScale"`
}

// Video is a single generation request and its outcome.
type Video struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	Title          string           `json:"title"`
	Prompt         string           `json:"prompt"`
	Params         GenerationParams `json:"params"`
	Status         VideoStatus      `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	StorageID      string           `json:"storageId,omitempty"`
	Error          string           `json:"error,omitempty"`
	FalRequestID   string           `json:"falRequestId,omitempty"`
	FalStatus      string           `json:"falStatus,omitempty"`
	QueuePosition  *int             `json:"queuePosition,omitempty"`
	RetryCount     int              `json:"retryCount"`
	ProcessingLogs []ProcessingLog  `json:"processingLogs"`
	Metadata       *VideoMetadata   `json:"metadata,omitempty"`
}

// CachedVideoURL is a signed, time-limited URL for a completed video.
type CachedVideoURL struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"videoId"`
	URL         string    `json:"url"`
	GeneratedAt time.Time `json:"generatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	IsValid     bool      `json:"isValid"`
}

// Preferences are per-user UI defaults.
type Preferences struct {
	AutoRefreshInterval  int    `json:"autoRefreshInterval"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	DefaultAspectRatio   string `json:"defaultAspectRatio"`
	DefaultDuration      int    `json:"defaultDuration"`
}

// DefaultPreferences returns the preferences used before a user saves any.
func DefaultPreferences() Preferences {
	return Preferences{
		AutoRefreshInterval:  5,
		NotificationsEnabled: true,
		DefaultAspectRatio:   "16:9",
		DefaultDuration:      5,
	}
}

// UserSession tracks activity and in-flight videos for a user.
type UserSession struct {
	UserID       string      `json:"userId"`
	LastActivity time.Time   `json:"lastActivity"`
	ActiveVideos []string    `json:"activeVideos"`
	Preferences  Preferences `json:"preferences"`
}
