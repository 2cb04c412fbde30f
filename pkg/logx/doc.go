// Package logx is the relay's logging layer, a thin value-typed wrapper over
// zerolog.
//
// Console lines carry a short timestamp and caller. The optional file output
// is JSON. Records at or above the sink level are also forwarded, rate
// limited, to an operator Sender such as the Telegram bot.
package logx
