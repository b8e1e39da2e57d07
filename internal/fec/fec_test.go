package fec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReconstructSingleLoss covers spec.md §8 item 3: zeroing any one
// data shard and reconstructing from the rest (plus parity) restores
// the original for d <= 90.
func TestReconstructSingleLoss(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const dataShards = 9
	const parityShards = 3
	const shardLen = 64

	enc, err := New(dataShards, parityShards)
	require.NoError(err)

	src := rand.New(rand.NewSource(1))
	shards := make([][]byte, dataShards+parityShards)
	for i := 0; i < dataShards; i++ {
		shards[i] = make([]byte, shardLen)
		src.Read(shards[i])
	}

	require.NoError(enc.Encode(shards))

	original := make([][]byte, len(shards))
	for i, s := range shards {
		original[i] = append([]byte{}, s...)
	}

	for lost := 0; lost < dataShards+parityShards; lost++ {
		present := make([]bool, len(shards))
		working := make([][]byte, len(shards))
		for i := range shards {
			present[i] = i != lost
			if present[i] {
				working[i] = append([]byte{}, original[i]...)
			} else {
				working[i] = make([]byte, shardLen)
			}
		}

		require.NoError(enc.Reconstruct(working, present))
		assert.True(bytes.Equal(original[lost], working[lost]), "shard %d not recovered", lost)
	}
}

func TestReconstructMultipleLossesWithinParityBudget(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const dataShards = 10
	const parityShards = 4
	const shardLen = 32

	enc, err := New(dataShards, parityShards)
	require.NoError(err)

	shards := make([][]byte, dataShards+parityShards)
	for i := 0; i < dataShards; i++ {
		shards[i] = bytes.Repeat([]byte{byte(i + 1)}, shardLen)
	}
	require.NoError(enc.Encode(shards))

	original := make([][]byte, len(shards))
	for i, s := range shards {
		original[i] = append([]byte{}, s...)
	}

	lostIdx := []int{1, 3, dataShards, dataShards + 2}
	present := make([]bool, len(shards))
	working := make([][]byte, len(shards))
	for i := range shards {
		present[i] = true
		working[i] = append([]byte{}, original[i]...)
	}
	for _, idx := range lostIdx {
		present[idx] = false
		working[idx] = make([]byte, shardLen)
	}

	require.NoError(enc.Reconstruct(working, present))
	for _, idx := range lostIdx {
		assert.Equal(original[idx], working[idx])
	}
}

func TestReconstructFailsBelowDataShardThreshold(t *testing.T) {
	require := require.New(t)

	enc, err := New(4, 2)
	require.NoError(err)

	shards := make([][]byte, 6)
	for i := range shards {
		shards[i] = make([]byte, 16)
	}
	present := []bool{true, true, true, false, false, false}

	err = enc.Reconstruct(shards, present)
	require.Error(err)
}
