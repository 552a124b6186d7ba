package logger

import (
	"go.uber.org/zap"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Ticker struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewTicker() *Ticker {
//	    return &Ticker{
//	        logger: logger.ComponentLogger("scheduler"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
