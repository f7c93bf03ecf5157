// Package logx configures reimportd's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - the optional file sink writes one JSON object per line
//   - Service.Apply swaps sinks and level at runtime (config hot reload)
package logx
