// Package logx is a small structured-logging facade over zerolog.
//
// Components receive a Logger value and attach fixed fields with With().
// The zero Logger is a safe no-op, so library code never needs nil checks.
package logx
