package recording

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/chaz8081/meetscribe/internal/audio"
)

const (
	meterWidth    = 30
	meterFloorDB  = -60.0
	meterDecay    = 0.95
	meterClip     = 0.99
	meterInterval = 100 * time.Millisecond
)

// Meter renders a single, continuously redrawn input level line while a
// session captures. It is fed from the capture goroutine only.
type Meter struct {
	Out io.Writer
	// Interval between redraws. Defaults to 100ms.
	Interval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	level float64 // last chunk, normalized to [0, 1]
	peak  float64 // decaying peak hold, normalized
	clip  bool
	last  time.Time
	drawn bool
}

// Observe records the level of one chunk and redraws when due.
func (m *Meter) Observe(chunk []float32) {
	rms, peak := audio.Level(chunk)
	m.level = normalizeDB(audio.DBFS(rms))
	m.peak = max(m.peak, m.level)
	m.clip = peak >= meterClip

	now := m.now()
	interval := m.Interval
	if interval <= 0 {
		interval = meterInterval
	}
	if m.drawn && now.Sub(m.last) < interval {
		return
	}
	m.last = now
	m.drawn = true
	fmt.Fprint(m.Out, "\r"+m.line())
	m.peak *= meterDecay
}

// Finish ends the meter line so later output starts on a fresh line.
func (m *Meter) Finish() {
	if m.drawn {
		fmt.Fprintln(m.Out)
		m.drawn = false
	}
}

func (m *Meter) line() string {
	filled := int(m.level * meterWidth)
	peakAt := min(int(m.peak*meterWidth), meterWidth-1)

	var bar strings.Builder
	for i := 0; i < meterWidth; i++ {
		switch {
		case i == peakAt && m.peak > 0:
			bar.WriteString("│")
		case i < filled:
			bar.WriteString("█")
		default:
			bar.WriteByte(' ')
		}
	}

	db := "  -inf dB"
	if m.level > 0 {
		db = fmt.Sprintf("%+6.1f dB", -meterFloorDB*(m.level-1))
	}
	status := "     "
	if m.clip {
		status = " CLIP"
	}
	return fmt.Sprintf("level [%s] %s%s", bar.String(), db, status)
}

func (m *Meter) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// normalizeDB maps [-60, 0] dBFS onto [0, 1].
func normalizeDB(db float64) float64 {
	if math.IsInf(db, -1) {
		return 0
	}
	return max(0, min(1, (db-meterFloorDB)/-meterFloorDB))
}
