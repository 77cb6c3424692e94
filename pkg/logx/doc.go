// Package logx configures calnotify's structured logging.
//
// logx.Logger is a small value-type wrapper on top of zerolog:
//   - console output stays readable (short timestamp and caller)
//   - file output is JSON
//   - an optional alert sink forwards warnings to a notification channel,
//     filtered by level and throttled
package logx
