// Package logx configures livedash's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A rate-limited in-memory ring of recent warnings for /debug/logs
package logx
