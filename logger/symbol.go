package logger

import (
	"github.com/teranos/lector/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(sym.Pulse + " Job started", "job_id", id)
//
//	// Use:
//	logger.PulseInfow("Job started", "job_id", id)

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.Pulse, msg, keysAndValues...)
}

// PulseWarnw logs a warning message with the Pulse symbol (꩜)
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// SymbolInfow logs with any symbol - for dynamic symbol usage
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// Instance logger wrappers. Use these when holding an instance logger
// (q.logger, c.logger) rather than the global Logger:
//
//	c.pulseLog = logger.AddPulseSymbol(baseLogger)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddHookSymbol wraps a logger with the Hook symbol (⌬)
func AddHookSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Hook)
}

// AddCrawlSymbol wraps a logger with the Crawl symbol (⟶)
func AddCrawlSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Crawl)
}

// AddHealthSymbol wraps a logger with the Health symbol (✦)
func AddHealthSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Health)
}
