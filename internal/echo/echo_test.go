package echo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

var (
	lamp = types.MustParseGroupAddress("1/2/1")
	on   = NewSignature(lamp, []byte{0x01})
	off  = NewSignature(lamp, []byte{0x00})
)

func TestSuppressedExactlyOnce(t *testing.T) {
	s := New(Options{})
	s.RecordOutbound(on)

	assert.True(t, s.ShouldSuppress(on))
	assert.False(t, s.ShouldSuppress(on), "second identical event is genuine")
	assert.Equal(t, 0, s.Len())
}

func TestSignatureIsExact(t *testing.T) {
	s := New(Options{})
	s.RecordOutbound(on)

	assert.False(t, s.ShouldSuppress(off))
	assert.False(t, s.ShouldSuppress(NewSignature(types.MustParseGroupAddress("1/2/2"), []byte{0x01})))
	assert.True(t, s.ShouldSuppress(on))
}

func TestRepeatedRecordsAreCounted(t *testing.T) {
	s := New(Options{})
	s.RecordOutbound(on)
	s.RecordOutbound(on)

	assert.True(t, s.ShouldSuppress(on))
	assert.True(t, s.ShouldSuppress(on))
	assert.False(t, s.ShouldSuppress(on))
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New(Options{Capacity: 2})
	s.RecordOutbound(on)
	s.RecordOutbound(off)
	s.RecordOutbound(NewSignature(lamp, []byte{0x02}))

	assert.Equal(t, 2, s.Len())
	assert.False(t, s.ShouldSuppress(on), "oldest record evicted")
	assert.True(t, s.ShouldSuppress(off))
}

func TestTTLExpiresUnmatchedRecords(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(Options{TTL: 5 * time.Second, Clock: fake})

	s.RecordOutbound(on)
	fake.Advance(3 * time.Second)
	s.RecordOutbound(off)
	fake.Advance(3 * time.Second)

	assert.False(t, s.ShouldSuppress(on), "expired after 5s")
	assert.True(t, s.ShouldSuppress(off))
}

func TestNoExpiryByDefault(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(Options{Clock: fake})
	s.RecordOutbound(on)
	fake.Advance(24 * time.Hour)
	assert.True(t, s.ShouldSuppress(on))
}

func TestConcurrentRecordAndConsume(t *testing.T) {
	s := New(Options{})
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordOutbound(on)
		}()
	}
	wg.Wait()

	var mu sync.Mutex
	suppressed := 0
	for i := 0; i < n+10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ShouldSuppress(on) {
				mu.Lock()
				suppressed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, n, suppressed)
}
