package weights

import (
	"encoding/binary"

	"github.com/orneryd/rwkvcore/pkg/rwkverr"
)

// Version tags which RWKV architecture variant a ModelInfo describes.
type Version int

const (
	V4 Version = iota
	V5
	V6
)

func (v Version) String() string {
	switch v {
	case V4:
		return "V4"
	case V5:
		return "V5"
	case V6:
		return "V6"
	default:
		return "unknown"
	}
}

// ModelInfo is the fixed-size header every container carries under the
// reserved entry name "__info__": version plus every dimension the
// forward pass and state layout need.
type ModelInfo struct {
	Version              Version
	NumLayer             int
	NumEmb               int
	NumHidden            int
	NumVocab             int
	NumHead              int
	TimeMixAdapterSize   int
	TimeDecayAdapterSize int
}

// InfoEntryName is the container entry holding the encoded ModelInfo.
const InfoEntryName = "__info__"

// infoByteSize is 8 little-endian uint32 fields.
const infoByteSize = 8 * 4

// ParseModelInfo decodes the "__info__" entry's bytes.
func ParseModelInfo(data []byte) (ModelInfo, error) {
	if len(data) < infoByteSize {
		return ModelInfo{}, rwkverr.ErrInvalidVersion
	}
	u := func(i int) int { return int(binary.LittleEndian.Uint32(data[i*4:])) }

	v := Version(u(0))
	if v != V4 && v != V5 && v != V6 {
		return ModelInfo{}, rwkverr.ErrInvalidVersion
	}

	info := ModelInfo{
		Version:              v,
		NumLayer:             u(1),
		NumEmb:               u(2),
		NumHidden:            u(3),
		NumVocab:             u(4),
		NumHead:              u(5),
		TimeMixAdapterSize:   u(6),
		TimeDecayAdapterSize: u(7),
	}
	if info.NumLayer <= 0 || info.NumEmb <= 0 || info.NumHidden <= 0 || info.NumVocab <= 0 {
		return ModelInfo{}, rwkverr.ErrInvalidVersion
	}
	return info, nil
}

// AttRows is the number of rows an att-state tensor's t axis holds for
// this version: 4 scalars (last-x, aa, bb, pp) for V4, or head_size+1
// for V5/V6 (last-x plus the head_size-wide column axis of the
// per-head head_size x head_size state matrix, stacked across every
// head along the channel axis).
func (m ModelInfo) AttRows() int {
	if m.Version == V4 {
		return 4
	}
	return m.HeadSize() + 1
}

// HeadSize is num_emb / num_head, the per-head channel width used by
// the V5/V6 matrix-valued state.
func (m ModelInfo) HeadSize() int {
	if m.NumHead == 0 {
		return 0
	}
	return m.NumEmb / m.NumHead
}
