package format

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	t.Parallel()

	p := Paths("/data/train/img_0_of_2.bin")
	assert.Equal(t, "/data/train/img_0_of_2.bin", p.Data)
	assert.Equal(t, "/data/train/img_0_of_2.bin.off.idx", p.Offsets)
	assert.Equal(t, "/data/train/img_0_of_2.bin.sz.idx", p.Sizes)

	partial := Partial("/data/train/img_0_of_2.bin")
	assert.Equal(t, "/data/train/.img_0_of_2.bin.partial", partial.Data)
	assert.Equal(t, "/data/train/.img_0_of_2.bin.off.idx.partial", partial.Offsets)
	assert.Equal(t, "/data/train/.img_0_of_2.bin.sz.idx.partial", partial.Sizes)
}

func TestAppendOffsetsAndConstant(t *testing.T) {
	t.Parallel()

	b := AppendOffsets(nil, 200, 100, 3)
	vals, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []uint64{200, 300, 400}, vals)

	b = AppendConstant(nil, 100, 4)
	vals, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 100, 100, 100}, vals)
}

func TestDecodeMisaligned(t *testing.T) {
	t.Parallel()

	_, err := Decode(make([]byte, 12))
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestPublishRenamesTriplet(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "shard.bin")
	f, err := OpenPartial(base, true)
	require.NoError(t, err)

	_, err = f.Offsets.Write(AppendOffsets(nil, 0, 4, 2))
	require.NoError(t, err)
	_, err = f.Sizes.Write(AppendConstant(nil, 4, 2))
	require.NoError(t, err)
	_, err = f.Data.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = os.Stat(base)
	require.ErrorIs(t, err, os.ErrNotExist, "data must not be visible before publish")

	require.NoError(t, Publish(base))

	data, err := os.ReadFile(base)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(data))

	offsets, err := ReadIndex(base + OffsetSuffix)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 4}, offsets)

	for _, p := range Partial(base).All() {
		_, err := os.Stat(p)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}
}

func TestDiscardRemovesPartials(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "shard.bin")
	f, err := OpenPartial(base, true)
	require.NoError(t, err)
	require.NoError(t, f.Discard())

	for _, p := range Partial(base).All() {
		_, err := os.Stat(p)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}
	assert.NoError(t, RemovePartial(base), "removing missing partials is not an error")
}

func TestOpenPartialWithoutTruncateKeepsContent(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "shared.bin")
	a, err := OpenPartial(base, false)
	require.NoError(t, err)
	b, err := OpenPartial(base, false)
	require.NoError(t, err)

	_, err = a.Data.WriteAt([]byte("aaaa"), 0)
	require.NoError(t, err)
	_, err = b.Data.WriteAt([]byte("bbbb"), 4)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	got, err := os.ReadFile(Partial(base).Data)
	require.NoError(t, err)
	assert.Equal(t, "aaaabbbb", string(got))
}
