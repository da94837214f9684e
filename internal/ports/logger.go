package ports

import "context"

// Logger is the logging seam shared by the storage adapters and the ledger
// service. Fields carry structured context (execution ids, tickers, counts);
// implementations decide how to render them. Matching and rebuild paths log
// recorded conditions (unmatched closes, stale re-plans) at Warn or below,
// never as errors.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info logs a message at Info level.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn logs a message at Warning level.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs an error message at Error level.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
