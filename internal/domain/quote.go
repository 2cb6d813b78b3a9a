package domain

// QuoteTick is a venue's top-of-book snapshot for one symbol. Any of the
// prices may be absent when the venue cannot quote them.
type QuoteTick struct {
	Symbol      string
	Bid         *float64
	Ask         *float64
	Last        *float64
	TimestampMs int64
}

// Valid reports whether both sides of the book are quoted.
func (q QuoteTick) Valid() bool {
	return q.Bid != nil && q.Ask != nil
}

// Float returns a pointer to v. Used by adapters to build nullable quotes.
func Float(v float64) *float64 {
	return &v
}
