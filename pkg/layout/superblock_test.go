package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSuperblock() *Superblock {
	return &Superblock{
		Magic0:            Magic0,
		Magic1:            Magic1,
		Version:           Version,
		BlockSize:         BlockSize,
		JournalBlockCount: DefaultJournalBlocks,
		DataBlockCount:    1024,
		InodeCount:        64,
	}
}

func fvmSuperblock() *Superblock {
	sb := &Superblock{
		Magic0:      Magic0,
		Magic1:      Magic1,
		Version:     Version,
		Flags:       FlagFVM,
		BlockSize:   BlockSize,
		SliceSize:   8 * BlockSize,
		VsliceCount: 5,
		AbmSlices:   1,
		InoSlices:   1,
		JnlSlices:   1,
		DatSlices:   1,
	}
	sb.JournalBlockCount = sb.JournalBlocks()
	sb.DataBlockCount = uint64(sb.DatSlices) * sb.BlocksPerSlice()
	sb.InodeCount = uint64(sb.InoSlices) * sb.InodesPerSlice()
	return sb
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := fixedSuperblock()
	sb.AllocBlockCount = 12
	sb.AllocInodeCount = 3

	out, err := DecodeSuperblock(sb.Encode())
	require.NoError(t, err)
	require.Equal(t, sb, out)
}

func TestSuperblockDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeSuperblock(make([]byte, BlockSize))
	require.Error(t, err)

	_, err = DecodeSuperblock([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSuperblockRegionsFixed(t *testing.T) {
	sb := fixedSuperblock()

	assert.EqualValues(t, 1, sb.BlockBitmapStartBlock())
	assert.EqualValues(t, 1, sb.BlockBitmapBlocks())
	assert.EqualValues(t, 2, sb.NodeTableStartBlock())
	assert.EqualValues(t, 2, sb.NodeTableBlocks())
	assert.EqualValues(t, 4, sb.JournalStartBlock())
	assert.EqualValues(t, DefaultJournalBlocks, sb.JournalBlocks())
	assert.EqualValues(t, 4+DefaultJournalBlocks, sb.DataStartBlock())
	assert.EqualValues(t, 4+DefaultJournalBlocks+1024, sb.TotalBlocks())
}

func TestSuperblockRegionsFVM(t *testing.T) {
	sb := fvmSuperblock()
	bps := sb.BlocksPerSlice()
	require.EqualValues(t, 8, bps)

	assert.Equal(t, uint64(VsliceBlockMap)*bps, sb.BlockBitmapStartBlock())
	assert.Equal(t, uint64(VsliceNodeMap)*bps, sb.NodeTableStartBlock())
	assert.Equal(t, uint64(VsliceJournal)*bps, sb.JournalStartBlock())
	assert.Equal(t, uint64(VsliceData)*bps, sb.DataStartBlock())
	assert.Equal(t, bps, sb.JournalBlocks())
	assert.Equal(t, bps*NodesPerBlock, uint64(sb.InodesPerSlice()))
}

func TestSuperblockValidate(t *testing.T) {
	t.Run("valid fixed layout", func(t *testing.T) {
		sb := fixedSuperblock()
		require.NoError(t, sb.Validate(sb.TotalBlocks()))
	})

	t.Run("device too small", func(t *testing.T) {
		sb := fixedSuperblock()
		require.ErrorIs(t, sb.Validate(sb.TotalBlocks()-1), ErrDeviceSmall)
	})

	t.Run("bad magic", func(t *testing.T) {
		sb := fixedSuperblock()
		sb.Magic1 = 0
		require.ErrorIs(t, sb.Validate(sb.TotalBlocks()), ErrBadMagic)
	})

	t.Run("bad version", func(t *testing.T) {
		sb := fixedSuperblock()
		sb.Version = Version + 1
		require.ErrorIs(t, sb.Validate(sb.TotalBlocks()), ErrBadVersion)
	})

	t.Run("counts exceed capacity", func(t *testing.T) {
		sb := fixedSuperblock()
		sb.AllocInodeCount = sb.InodeCount + 1
		require.ErrorIs(t, sb.Validate(sb.TotalBlocks()), ErrBadCounts)
	})

	t.Run("valid fvm layout", func(t *testing.T) {
		sb := fvmSuperblock()
		require.NoError(t, sb.Validate(1<<30))
	})

	t.Run("fvm slice accounting mismatch", func(t *testing.T) {
		sb := fvmSuperblock()
		sb.VsliceCount++
		require.ErrorIs(t, sb.Validate(1<<30), ErrBadSlices)
	})

	t.Run("fvm data outgrew its slices", func(t *testing.T) {
		sb := fvmSuperblock()
		sb.DataBlockCount++
		require.ErrorIs(t, sb.Validate(1<<30), ErrBadSlices)
	})
}

func TestNodeBlock(t *testing.T) {
	sb := fixedSuperblock()
	require.Equal(t, sb.NodeTableStartBlock(), sb.NodeBlock(0))
	require.Equal(t, sb.NodeTableStartBlock(), sb.NodeBlock(NodesPerBlock-1))
	require.Equal(t, sb.NodeTableStartBlock()+1, sb.NodeBlock(NodesPerBlock))
}
