package rtx

import (
	"encoding/binary"
	gomath "math"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/math"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

const (
	maxInstanceID       = 1<<24 - 1
	maxHitGroupIndex    = 1<<24 - 1
	DefaultInstanceMask = 0xFF
)

type InstanceFlags uint8

const (
	InstanceFlagNone                  InstanceFlags = 0
	InstanceFlagTriangleCullDisable   InstanceFlags = 1 << 0
	InstanceFlagFrontCounterClockwise InstanceFlags = 1 << 1
	InstanceFlagForceOpaque           InstanceFlags = 1 << 2
	InstanceFlagForceNonOpaque        InstanceFlags = 1 << 3
)

// Instance places a bottom-level structure in the scene. The hit-group index
// and the instance id are not part of it: both come from the position of the
// instance in the top-level build.
//
// A zero Mask is encoded as DefaultInstanceMask, so a zero-value instance is
// visible to every ray. Set Hidden to encode a mask of zero.
type Instance struct {
	BLAS      *BottomLevelStructure
	Transform math.Affine3x4
	Mask      uint8
	Hidden    bool
	Flags     InstanceFlags
}

func (i Instance) encodedMask() uint8 {
	switch {
	case i.Hidden:
		return 0
	case i.Mask == 0:
		return DefaultInstanceMask
	}
	return i.Mask
}

// encodeInstanceDesc writes the 64-byte instance record the device consumes:
//
//	[0,48)  3x4 row-major float32 transform
//	[48,52) instance id (24 bits) | mask << 24
//	[52,56) hit-group index (24 bits) | flags << 24
//	[56,64) BLAS GPU virtual address
func encodeInstanceDesc(dst []byte, inst Instance, index uint32) error {
	if uint64(len(dst)) < gpu.InstanceDescSize {
		return core.ConfigurationError("instance record needs %d bytes, got %d", gpu.InstanceDescSize, len(dst))
	}
	if index > maxInstanceID || index > maxHitGroupIndex {
		return core.ConfigurationError("instance index %d does not fit in 24 bits", index)
	}

	le := binary.LittleEndian
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			le.PutUint32(dst[(r*4+c)*4:], gomath.Float32bits(inst.Transform[r][c]))
		}
	}
	le.PutUint32(dst[48:], index&maxInstanceID|uint32(inst.encodedMask())<<24)
	le.PutUint32(dst[52:], index&maxHitGroupIndex|uint32(inst.Flags)<<24)
	le.PutUint64(dst[56:], uint64(inst.BLAS.Address()))
	return nil
}

// EncodeInstances returns the instance buffer contents for instances in order.
func EncodeInstances(instances []Instance) ([]byte, error) {
	buf := make([]byte, uint64(len(instances))*gpu.InstanceDescSize)
	for i, inst := range instances {
		if inst.BLAS == nil {
			err := core.ConfigurationError("instance %d has no bottom-level structure", i)
			core.LogError(err.Error())
			return nil, err
		}
		off := uint64(i) * gpu.InstanceDescSize
		if err := encodeInstanceDesc(buf[off:off+gpu.InstanceDescSize], inst, uint32(i)); err != nil {
			core.LogError(err.Error())
			return nil, err
		}
	}
	return buf, nil
}
