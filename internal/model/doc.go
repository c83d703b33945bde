// Package model defines shared data types used across the Bybit data collector.
//
// Conventions:
//   - Prices and sizes: decimal.Decimal, parsed exactly from the venue's strings
//   - Timestamps: time.Time for local receipt, int64 microseconds since Unix
//     epoch for exchange-reported times
//   - Sequence numbers: int64 per symbol, as reported by the venue
package model
