// Package sqlbuilder renders the placeholder spelling a driver expects
// for a bound parameter, so the same fragment-assembly code in
// storage/sqlengine can target both a positional driver (SQLite) and a
// numbered one (PostgreSQL) without knowing which until render time.
package sqlbuilder

// PlaceholderStyle selects how a driver spells a bound parameter.
type PlaceholderStyle int

const (
	PlaceholderQuestion PlaceholderStyle = iota
	PlaceholderDollar
)

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [32]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + (n % 10))
		n /= 10
	}
	return string(buf[i:])
}

// Rebind rewrites a statement assembled with "?" placeholders into style.
// The condition fragments in storage/sqlengine are composed by string
// concatenation (leaf fragments nested inside INTERSECT/UNION subqueries),
// so they're built with the driver-agnostic "?" spelling throughout and
// only rebound to "$1", "$2", ... once, immediately before the final
// statement is handed to a Dollar-style driver.
func Rebind(sql string, style PlaceholderStyle) string {
	if style != PlaceholderDollar {
		return sql
	}
	out := make([]byte, 0, len(sql)+8)
	n := 0
	for i := 0; i < len(sql); i++ {
		if sql[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(itoa(n))...)
			continue
		}
		out = append(out, sql[i])
	}
	return string(out)
}
