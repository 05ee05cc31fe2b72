package storage

import "fmt"

// keys: evt:<16-hex-seq>, ord:<16-hex-id>, trd:<16-hex-id>, mkt:<id>
// Zero-padded hex keeps lexicographic key order equal to numeric order.
const (
	prefixEvent  = "evt:"
	prefixOrder  = "ord:"
	prefixTrade  = "trd:"
	prefixMarket = "mkt:"
)

func eventKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%016x", prefixEvent, seq)) }
func orderKey(id uint64) []byte  { return []byte(fmt.Sprintf("%s%016x", prefixOrder, id)) }
func tradeKey(id uint64) []byte  { return []byte(fmt.Sprintf("%s%016x", prefixTrade, id)) }
func marketKey(id string) []byte { return []byte(prefixMarket + id) }

func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
