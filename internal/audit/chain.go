package audit

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"gatekeep/internal/constants"
)

// GenesisTag computes the anchor tag for an empty log.
// Format: keyed-BLAKE3(GTKP_GENESIS || log_name)
func GenesisTag(key []byte, logName string) (string, error) {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		return "", fmt.Errorf("invalid chain key: %w", err)
	}
	hasher.Write([]byte(constants.ChainGenesisLabel))
	hasher.Write([]byte(logName))
	return hex.EncodeToString(hasher.Sum(nil)[:32]), nil
}

// NextTag computes the chain tag for an entry given the previous tag.
// Format: keyed-BLAKE3(prev_tag_bytes || canonical(entry))
func NextTag(key []byte, prevTagHex string, e *Entry) (string, error) {
	prevTag, err := hex.DecodeString(prevTagHex)
	if err != nil {
		return "", fmt.Errorf("invalid prev tag: %w", err)
	}
	if len(prevTag) != 32 {
		return "", fmt.Errorf("prev tag must be 32 bytes, got %d", len(prevTag))
	}

	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		return "", fmt.Errorf("invalid chain key: %w", err)
	}
	hasher.Write(prevTag)
	hasher.Write(canonical(e))
	return hex.EncodeToString(hasher.Sum(nil)[:32]), nil
}

// canonical serializes an entry deterministically for tag computation.
// Fixed field order, little-endian integers, length-prefixed strings — the
// encoding is unambiguous so two distinct entries can never serialize alike.
func canonical(e *Entry) []byte {
	buf := make([]byte, 0, 128)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], e.Seq)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], uint64(e.Timestamp))
	buf = append(buf, u64[:]...)

	for _, field := range []string{
		e.PrincipalID, e.Action, e.ResourceID,
		e.Result, e.Reason, e.IPAddress, e.DetailsJSON,
	} {
		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], uint32(len(field)))
		buf = append(buf, u32[:]...)
		buf = append(buf, field...)
	}

	return buf
}
