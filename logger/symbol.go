package logger

import (
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(symSession + " Session granted", "client_id", id)
//
//	// Use:
//	logger.SessionInfow("Session granted", "client_id", id)
//
// This makes logs queryable by symbol and keeps messages clean.

const (
	symFirewall = "⛨" // Firewall driver
	symShaper   = "⇄" // Shaper driver
	symCoin     = "⊙" // Coin ingress
	symTTL      = "∿" // TTL detector
)

// SessionInfow logs an info message with the Session symbol (⊚)
func SessionInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symSession}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// SessionWarnw logs a warning message with the Session symbol (⊚)
func SessionWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symSession}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// FirewallInfow logs an info message with the Firewall symbol (⛨)
func FirewallInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symFirewall}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// FirewallErrorw logs an error message with the Firewall symbol (⛨)
func FirewallErrorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symFirewall}, keysAndValues...)
		Logger.Errorw(msg, fields...)
	}
}

// FirewallWarnw logs a warning message with the Firewall symbol (⛨)
func FirewallWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symFirewall}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// ShaperInfow logs an info message with the Shaper symbol (⇄)
func ShaperInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symShaper}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// CoinInfow logs an info message with the Coin symbol (⊙)
func CoinInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symCoin}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// CoinDebugw logs a debug message with the Coin symbol (⊙)
func CoinDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symCoin}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// TTLInfow logs an info message with the TTL symbol (∿)
func TTLInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symTTL}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// TTLWarnw logs a warning message with the TTL symbol (∿)
func TTLWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symTTL}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// DBInfow logs an info message with the DB symbol (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, "⊔"}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// DBDebugw logs a debug message with the DB symbol (⊔)
func DBDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, "⊔"}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// WithSymbol returns a logger with the given symbol as a field.
// For ad-hoc symbol usage not covered by the helpers above.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// SymbolInfow logs with any symbol - for dynamic symbol usage
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
