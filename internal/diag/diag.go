// Package diag formats counts for diagnostic strings. Attempts is used in
// the error raised after retry exhaustion, which reads like "read
// transaction failed after 3 attempts"; Rows has no caller in this module.
package diag

import "github.com/dustin/go-humanize"

// Attempts formats a retry-attempt count, e.g. "3 attempts" or "1 attempt".
func Attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return humanize.Comma(int64(n)) + " attempts"
}

// Rows formats a row/result count with thousands separators, e.g.
// "1,204 rows".
func Rows(n uint64) string {
	if n == 1 {
		return "1 row"
	}
	return humanize.Comma(int64(n)) + " rows"
}
