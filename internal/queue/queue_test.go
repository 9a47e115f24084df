package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStartsWithOneLargeBlock(t *testing.T) {
	q := New[int16]()
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, LargeBlock, q.Capacity())
	assert.Empty(t, q.Data())
}

func TestAppendSilenceStereoBlock(t *testing.T) {
	q := New[float32]()

	// 480 frames of 2 channels
	require.NoError(t, q.AppendSilence(480*2))

	assert.Equal(t, 960, q.Size())
	assert.Equal(t, LargeBlock, q.Capacity())
	for i, v := range q.Data() {
		if v != 0 {
			t.Fatalf("element %d is %f, want 0", i, v)
		}
	}
}

func TestAppendSilenceOverwritesStaleStorage(t *testing.T) {
	q := New[int16]()
	require.NoError(t, q.Append([]int16{7, 7, 7, 7}))
	q.RemoveFront(4)

	require.NoError(t, q.AppendSilence(4))
	assert.Equal(t, []int16{0, 0, 0, 0}, q.Data())
}

func TestRemoveFrontKeepsOrder(t *testing.T) {
	q := New[int16]()
	require.NoError(t, q.Append([]int16{1, 2, 3, 4, 5}))

	q.RemoveFront(2)
	assert.Equal(t, []int16{3, 4, 5}, q.Data())

	require.NoError(t, q.Append([]int16{6}))
	assert.Equal(t, []int16{3, 4, 5, 6}, q.Data())

	q.RemoveFront(0)
	q.RemoveFront(-3)
	assert.Equal(t, 4, q.Size())

	q.RemoveFront(10)
	assert.Equal(t, 0, q.Size())
}

func TestGrowthIsInWholeBlocks(t *testing.T) {
	q := New[uint8]()
	require.NoError(t, q.AppendSilence(LargeBlock))
	assert.Equal(t, LargeBlock, q.Capacity())

	require.NoError(t, q.Append([]uint8{1}))
	assert.Equal(t, 2*LargeBlock, q.Capacity())
	assert.Equal(t, LargeBlock+1, q.Size())
	assert.Equal(t, uint8(1), q.Data()[LargeBlock])
}

func TestRemoveAllShrinksToOneBlock(t *testing.T) {
	q := New[uint8]()
	require.NoError(t, q.AppendSilence(3*LargeBlock+5))
	require.Equal(t, 4*LargeBlock, q.Capacity())

	q.RemoveFront(q.Size())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, LargeBlock, q.Capacity())
}

func TestPartialRemoveRightSizes(t *testing.T) {
	q := New[uint8]()
	require.NoError(t, q.AppendSilence(3*LargeBlock))
	require.NoError(t, q.Append([]uint8{9, 8}))

	q.RemoveFront(3 * LargeBlock)
	assert.Equal(t, []uint8{9, 8}, q.Data())
	assert.Equal(t, LargeBlock, q.Capacity())
}

func TestLimit(t *testing.T) {
	q := New[int16](WithLimit(4))
	require.NoError(t, q.Append([]int16{1, 2, 3}))

	err := q.Append([]int16{4, 5})
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, []int16{1, 2, 3}, q.Data(), "failed append must not modify the queue")

	require.ErrorIs(t, q.AppendSilence(2), ErrLimitExceeded)
	require.NoError(t, q.AppendSilence(1))
	assert.Equal(t, 4, q.Size())
}

func TestReset(t *testing.T) {
	q := New[int16]()
	require.NoError(t, q.AppendSilence(2*LargeBlock))
	q.Reset()
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, LargeBlock, q.Capacity())
}

// TestRandomAppendRemove checks the FIFO property and the capacity bounds
// against a plain slice model over a random sequence of operations.
func TestRandomAppendRemove(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := New[int32]()
	var model []int32
	next := int32(0)

	for step := 0; step < 400; step++ {
		if rng.Intn(3) > 0 {
			count := rng.Intn(LargeBlock / 2)
			chunk := make([]int32, count)
			for i := range chunk {
				chunk[i] = next
				next++
			}
			require.NoError(t, q.Append(chunk))
			model = append(model, chunk...)
		} else {
			count := rng.Intn(LargeBlock)
			q.RemoveFront(count)
			if count >= len(model) {
				model = model[:0]
			} else {
				model = append(model[:0], model[count:]...)
			}
		}

		require.Equal(t, len(model), q.Size(), "step %d", step)
		require.GreaterOrEqual(t, q.Capacity(), LargeBlock, "step %d", step)
		require.LessOrEqual(t, q.Capacity(), roundUp(q.Size()), "step %d", step)

		data := q.Data()
		for _, i := range []int{0, len(model) / 2, len(model) - 1} {
			if i >= 0 && i < len(model) {
				require.Equal(t, model[i], data[i], "step %d index %d", step, i)
			}
		}
	}

	data := q.Data()
	require.Len(t, data, len(model))
	for i := range model {
		if data[i] != model[i] {
			t.Fatalf("index %d: got %d, want %d", i, data[i], model[i])
		}
	}
}
