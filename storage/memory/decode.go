package memory

import "github.com/entitykv/entitykv/storage"

// Decode is the query.Decoder a caller binds Backend-seeded rows through:
// it resolves storage.Row.Decode into a fresh T by value.
func Decode[T any](row storage.Row) (T, error) {
	var t T
	if err := row.Decode(&t); err != nil {
		return t, err
	}
	return t, nil
}
