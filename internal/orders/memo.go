package orders

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"SwapGateway/internal/models"
)

const memoAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newMemo generates the deposit memo the pay leg asks for: a 6 digit
// numeric tag, an 8 character text memo, or nothing.
func newMemo(kind models.MemoKind) (*string, error) {
	var memo string
	switch kind {
	case models.MemoTag:
		n, err := rand.Int(rand.Reader, big.NewInt(900000))
		if err != nil {
			return nil, err
		}
		memo = fmt.Sprintf("%06d", n.Int64()+100000)
	case models.MemoText:
		buf := make([]byte, 8)
		limit := big.NewInt(int64(len(memoAlphabet)))
		for i := range buf {
			n, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return nil, err
			}
			buf[i] = memoAlphabet[n.Int64()]
		}
		memo = string(buf)
	default:
		return nil, nil
	}
	return &memo, nil
}
