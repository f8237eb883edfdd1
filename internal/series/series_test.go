package series

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

func TestBuffer_Ordering(t *testing.T) {
	var b Buffer

	for i := 0; i < 10; i++ {
		b.Append(Sample{Elapsed: float64(i), Value: float64(i * 10), Valid: true})
	}
	assert.Equal(t, 10, b.Len())

	samples := b.Drain()
	require.Len(t, samples, 10)
	for i, s := range samples {
		assert.Equal(t, float64(i), s.Elapsed)
		assert.Equal(t, float64(i*10), s.Value)
	}

	assert.Zero(t, b.Len())
}

func TestBuffer_EdgeCases(t *testing.T) {
	var b Buffer

	assert.Nil(t, b.Drain(), "Drain on empty buffer should return nil")
	assert.Zero(t, b.Len())

	b.Append(Sample{Elapsed: 1, Valid: false})
	first := b.Drain()
	require.Len(t, first, 1)
	assert.False(t, first[0].Valid)

	// appends after a drain must not alias the drained slice
	b.Append(Sample{Elapsed: 2, Value: 7, Valid: true})
	assert.Equal(t, 1.0, first[0].Elapsed)

	second := b.Drain()
	require.Len(t, second, 1)
	assert.Equal(t, 2.0, second[0].Elapsed)
}

func TestBuffer_ConcurrentAccumulateAndDrain(t *testing.T) {
	const (
		producers   = 4
		perProducer = 5000
	)

	var b Buffer
	var wg sync.WaitGroup
	var drained []Sample
	done := make(chan struct{})

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Append(Sample{Elapsed: float64(p*perProducer + i), Valid: true})
			}
		}(p)
	}

	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		for {
			select {
			case <-done:
				drained = append(drained, b.Drain()...)
				return
			default:
				drained = append(drained, b.Drain()...)
			}
		}
	}()

	wg.Wait()
	close(done)
	<-drainerDone

	require.Len(t, drained, producers*perProducer)

	seen := make(map[float64]bool, len(drained))
	lastPerProducer := make([]float64, producers)
	for i := range lastPerProducer {
		lastPerProducer[i] = -1
	}

	for _, s := range drained {
		require.False(t, seen[s.Elapsed], "duplicate sample %v", s.Elapsed)
		seen[s.Elapsed] = true

		p := int(s.Elapsed) / perProducer
		require.Greater(t, s.Elapsed, lastPerProducer[p], "producer %d out of order", p)
		lastPerProducer[p] = s.Elapsed
	}
}

func TestSet(t *testing.T) {
	cat, err := catalog.Load(strings.NewReader(
		"h,h,h,h,h,h,h,h\n" +
			"Engine RPM,RPM,010C,((A*256)+B)/4,0,8000,rpm,\n" +
			"Battery Temperature,BatTemp,2228FB,A-40,-40,60,C,\n"))
	require.NoError(t, err)

	set := NewSet(cat)
	require.Equal(t, 2, set.Len())

	st, ok := set.ByKey(catalog.Key("\x22\x28\xfb"))
	require.True(t, ok)
	assert.Same(t, set.State(1), st)
	assert.Equal(t, "BatTemp", st.Sensor.ShortName)
	assert.Nil(t, st.Dataset())

	_, ok = set.ByKey(catalog.Key("\x22\x99\x99"))
	assert.False(t, ok)

	st.Accumulate(0.5, 83, true)
	st.Accumulate(1.5, 0, false)
	assert.Equal(t, 2, st.Pending())
	assert.Equal(t, 2, set.Pending())
	assert.Zero(t, set.State(0).Pending())

	samples := st.Drain()
	assert.Equal(t, []Sample{{Elapsed: 0.5, Value: 83, Valid: true}, {Elapsed: 1.5}}, samples)
	assert.Zero(t, set.Pending())
}
