// Package logx configures jobplan's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp + short caller) while the optional file sink
// stays JSON-structured and size-rotated.
package logx
