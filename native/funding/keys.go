package funding

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"irsvenue/crypto"
)

var (
	poolPrefix     = []byte("irs/funding/pool/")
	positionPrefix = []byte("irs/funding/position/")
	poolListKey    = []byte("irs/funding/pools")
	rolesKey       = []byte("irs/funding/roles")
)

// PoolKey identifies an AMM pool the venue is layered on.
type PoolKey struct {
	Currency0   crypto.Address
	Currency1   crypto.Address
	Fee         uint32
	TickSpacing int32
	Hooks       crypto.Address
}

// ID hashes the pool key into its stable identifier.
func (k PoolKey) ID() [32]byte {
	buf := make([]byte, 0, 3*crypto.AddressLength+8)
	buf = append(buf, padAddress(k.Currency0)...)
	buf = append(buf, padAddress(k.Currency1)...)
	buf = binary.BigEndian.AppendUint32(buf, k.Fee)
	buf = binary.BigEndian.AppendUint32(buf, uint32(k.TickSpacing))
	buf = append(buf, padAddress(k.Hooks)...)
	return blake3.Sum256(buf)
}

// PositionRef addresses one liquidity position: owner, pool, range and salt.
type PositionRef struct {
	Owner     crypto.Address
	Pool      [32]byte
	TickLower int32
	TickUpper int32
	Salt      [32]byte
}

// Key hashes the reference into the stable position key.
func (r PositionRef) Key() [32]byte {
	buf := make([]byte, 0, crypto.AddressLength+32+8+32)
	buf = append(buf, padAddress(r.Owner)...)
	buf = append(buf, r.Pool[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.TickLower))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.TickUpper))
	buf = append(buf, r.Salt[:]...)
	return blake3.Sum256(buf)
}

func padAddress(addr crypto.Address) []byte {
	raw := addr.Raw()
	return raw[:]
}

func poolKey(id [32]byte) []byte {
	buf := make([]byte, len(poolPrefix)+len(id))
	copy(buf, poolPrefix)
	copy(buf[len(poolPrefix):], id[:])
	return buf
}

func positionKey(key [32]byte) []byte {
	buf := make([]byte, len(positionPrefix)+len(key))
	copy(buf, positionPrefix)
	copy(buf[len(positionPrefix):], key[:])
	return buf
}
