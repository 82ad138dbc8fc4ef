// audex/engine/events_test.go
package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSink_LogFiltersChatter(t *testing.T) {
	var lines []string
	s := NewSink(0, nil, func(line string) { lines = append(lines, line) })

	s.Log("Stream mapping:")
	s.Log("frame=  100 fps=25 q=-1.0 size=     512kB")
	s.Log("size=    1024kB time=00:00:10.00 bitrate= 838.9kbits/s")
	s.Log("   ")
	s.Log("Output #0, flac, to 'out.flac':")

	assert.Equal(t, []string{"Stream mapping:", "Output #0, flac, to 'out.flac':"}, lines)
}

func TestSink_ProgressThrottleAndOrder(t *testing.T) {
	var got []float64
	s := NewSink(10*time.Second, func(r float64) { got = append(got, r) }, nil)

	now := time.Unix(0, 0)
	s.clock = func() time.Time { return now }

	s.handleProgressKV("out_time_us", "1000000") // 10%, first emit
	s.handleProgressKV("out_time_us", "2000000") // dropped, within 100ms
	now = now.Add(150 * time.Millisecond)
	s.handleProgressKV("out_time_us", "5000000") // 50%
	s.handleProgressKV("out_time_us", "4000000") // regression, dropped
	s.handleProgressKV("progress", "end")        // forced final flush

	assert.Equal(t, []float64{0.1, 0.5, 1}, got)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1], "progress must never reorder")
	}
}

func TestSink_ClampsRatio(t *testing.T) {
	var got []float64
	s := NewSink(time.Second, func(r float64) { got = append(got, r) }, nil)
	now := time.Unix(0, 0)
	s.clock = func() time.Time { return now }

	s.handleProgressKV("out_time_us", "5000000") // 5x the duration
	assert.Equal(t, []float64{1}, got)
}

func TestSink_UnknownDurationSkipsRatios(t *testing.T) {
	var got []float64
	s := NewSink(0, func(r float64) { got = append(got, r) }, nil)

	s.handleProgressKV("out_time_us", "1000000")
	assert.Empty(t, got) // no granular progress without a duration

	s.finish()
	assert.Equal(t, []float64{1}, got) // completion still reported
}
