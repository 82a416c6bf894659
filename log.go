package relaypool

import (
	"github.com/rs/zerolog"
)

var nopLogger = zerolog.Nop()

// logger returns the configured pool logger or a nop logger.
func (pool *Pool) log() *zerolog.Logger {
	if pool.logger != nil {
		return pool.logger
	}
	return &nopLogger
}

func (r *Relay) log() *zerolog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return &nopLogger
}
