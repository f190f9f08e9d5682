// Package store is the single writer over the gateway's persistent
// state. It owns no business logic beyond the constraints already
// enforced by the schema; callers (session engine, slot manager, ttl
// detector) apply the rest.
package store

import "time"

// UnknownMAC is the sentinel MAC address used for clients whose
// hardware address is randomized or unobservable. Identity for these
// clients rests entirely on their session token.
const UnknownMAC = "Unknown"

type ClientStatus string

const (
	ClientDisconnected ClientStatus = "DISCONNECTED"
	ClientConnected    ClientStatus = "CONNECTED"
	ClientPaused       ClientStatus = "PAUSED"
	ClientBlocked      ClientStatus = "BLOCKED"
)

type Client struct {
	ID                    int64
	MACAddress            string
	LastIP                string
	SessionToken          string
	FingerprintOS         string
	FingerprintBrowser    string
	FingerprintUserAgent  string
	Status                ClientStatus
	TimeRemaining         int64
	TotalAmountPaid       float64
	UploadLimit           int64
	DownloadLimit         int64
	CreatedAt             time.Time
	LastSeen              time.Time
	PausedUntil           *time.Time
	// IsWhitelisted marks a client as granted indefinitely; the tick's
	// decrement, auto-pause, and expiry passes all skip
	// whitelisted clients regardless of time_remaining or status.
	IsWhitelisted bool
}

type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

type Session struct {
	ID              int64
	ClientID        int64
	MACAddress      string
	IPAddress       string
	SessionToken    string
	GrantedDuration int64
	Status          SessionStatus
	StartedAt       time.Time
	EndedAt         *time.Time
}

type Rate struct {
	ID            int64
	Name          string
	Price         float64
	Duration      int64
	CoinsRequired int64
	IsActive      bool
}

type PaymentMethod string

const (
	PaymentCoin    PaymentMethod = "COIN"
	PaymentVoucher PaymentMethod = "VOUCHER"
	PaymentAdmin   PaymentMethod = "ADMIN"
)

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionRefunded  TransactionStatus = "REFUNDED"
)

type Transaction struct {
	ID            int64
	ClientID      int64
	SessionID     *int64
	RateID        *int64
	AmountPaid    float64
	CoinsUsed     int64
	PaymentMethod PaymentMethod
	Status        TransactionStatus
	CreatedAt     time.Time
}

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotClaimed   SlotStatus = "claimed"
)

type CoinSlot struct {
	SlotNumber            int64
	Status                SlotStatus
	ClaimedByIP           string
	ClaimedByMAC          string
	ClaimedBySessionToken string
	ClaimedAt             *time.Time
	ExpiresAt             *time.Time
}

type QueueStatus string

const (
	QueueQueued   QueueStatus = "queued"
	QueueRedeemed QueueStatus = "redeemed"
	QueueExpired  QueueStatus = "expired"
)

type CoinQueueEntry struct {
	ID           int64
	SlotID       *int64
	ClientIP     string
	ClientMAC    string
	SessionToken string
	CoinValue    float64
	CoinCount    int64
	TotalValue   float64
	Status       QueueStatus
	CreatedAt    time.Time
}

type CoinAttempt struct {
	ID           int64
	IPAddress    string
	MACAddress   string
	AttemptedAt  time.Time
	BlockedUntil *time.Time
}

type TTLBaseline struct {
	ClientMAC      string
	BaselineTTL    int64
	EstablishedAt  time.Time
	LastVerified   time.Time
	Confidence     float64
}

type AnomalyType string

const (
	AnomalyTTLVariance     AnomalyType = "ttl_variance"
	AnomalyTTLDecrement    AnomalyType = "ttl_decrement"
	AnomalyMultipleDevices AnomalyType = "multiple_devices"
)

type TTLAnomaly struct {
	ID          int64
	ClientMAC   string
	AnomalyType AnomalyType
	Details     string
	CreatedAt   time.Time
}

type ViolationStatus string

const (
	ViolationPending  ViolationStatus = "pending"
	ViolationResolved ViolationStatus = "resolved"
)

type TTLViolation struct {
	ClientMAC       string
	Status          ViolationStatus
	ViolationCount  int64
	Severity        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TTLSettings struct {
	Sensitivity    string
	AutoBlock      bool
	AlertThreshold int64
}

type PortalSettings struct {
	CoinTimeout           int64
	AutoPauseOnDisconnect bool
	AutoResumeOnPause     bool
	PauseResumeMinutes    int64
	CoinAbuseProtection   bool
	CoinAttemptLimit      int64
	CoinAttemptWindow     int64
	CoinBlockDuration     int64
}

type NetworkConfig struct {
	LANInterface               string
	DHCPRange                  string
	GatewayIP                  string
	WANMode                    string
	WANParams                  string
	BandwidthEnabled           bool
	BandwidthDownloadLimit     int64
	BandwidthUploadLimit       int64
	PerClientBandwidthEnabled  bool
	PerClientDownloadLimit     int64
	PerClientUploadLimit       int64
}

type SystemLog struct {
	ID        int64
	Level     string
	Actor     string
	Message   string
	Details   string
	CreatedAt time.Time
}
