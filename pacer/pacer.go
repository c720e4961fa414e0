// Package pacer releases audio frames on a fixed schedule anchored to the
// moment streaming starts, so that scheduling jitter never accumulates.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"node.town/rtasr/wire"
)

var (
	ErrEmptyBuffer = errors.New("audio buffer is empty")
	ErrFrameSize   = errors.New("frame size must be positive")
	ErrInterval    = errors.New("frame interval must be positive")
)

const DefaultSlack = 100 * time.Microsecond

// Clock abstracts time so tests can run the schedule without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Emit receives each frame as it becomes due. An error stops the stream.
type Emit func(wire.Frame) error

// Stats describe one finished stream.
type Stats struct {
	Frames  int
	Bytes   int
	MaxLag  time.Duration
	Elapsed time.Duration
}

type Pacer struct {
	Clock Clock
	// Slack is the lateness below which no sleep is issued.
	Slack time.Duration
	// OnLag, when set, observes how late each frame was released.
	OnLag func(seq int, lag time.Duration)
	// Interval, when set, makes Forward release chunk i no earlier than
	// t0 + i*Interval, so a source faster than real time is held back.
	Interval time.Duration
}

func New() *Pacer {
	return &Pacer{Clock: SystemClock, Slack: DefaultSlack}
}

func (p *Pacer) clock() Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return SystemClock
}

// FrameBytes is the size of interval worth of 16-bit mono PCM at rate.
func FrameBytes(sampleRate int, interval time.Duration) int {
	return int(int64(sampleRate) * 2 * int64(interval) / int64(time.Second))
}

// Stream slices buf into frames of frameSize bytes and hands frame i to
// emit no earlier than t0 + i*interval, where t0 is taken once on entry.
// A final empty Last frame follows at t0 + n*interval.
func (p *Pacer) Stream(ctx context.Context, buf []byte, frameSize int, interval time.Duration, emit Emit) (Stats, error) {
	if len(buf) == 0 {
		return Stats{}, ErrEmptyBuffer
	}
	if frameSize <= 0 {
		return Stats{}, ErrFrameSize
	}
	if interval <= 0 {
		return Stats{}, ErrInterval
	}

	n := (len(buf) + frameSize - 1) / frameSize
	clock := p.clock()
	t0 := clock.Now()
	var stats Stats

	for i := 0; i <= n; i++ {
		if err := p.waitUntil(ctx, t0.Add(time.Duration(i)*interval), i, &stats); err != nil {
			return stats, err
		}

		f := wire.Frame{Seq: i, Role: wire.Continue}
		switch {
		case i == 0:
			f.Role = wire.First
		case i == n:
			f.Role = wire.Last
		}
		if i < n {
			end := min((i+1)*frameSize, len(buf))
			f.Payload = buf[i*frameSize : end]
		}

		if err := emit(f); err != nil {
			return stats, fmt.Errorf("emit frame %d: %w", i, err)
		}
		stats.Frames++
		stats.Bytes += len(f.Payload)
	}

	stats.Elapsed = clock.Now().Sub(t0)
	return stats, nil
}

// Forward relays chunks as they arrive. Each chunk becomes one frame;
// closing chunks emits Last. Without an Interval the source must already
// be real time, such as a microphone.
func (p *Pacer) Forward(ctx context.Context, chunks <-chan []byte, emit Emit) (Stats, error) {
	clock := p.clock()
	t0 := clock.Now()
	var stats Stats

	for i := 0; ; i++ {
		var (
			chunk []byte
			ok    bool
		)
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case chunk, ok = <-chunks:
		}
		if !ok && i == 0 {
			return stats, ErrEmptyBuffer
		}

		if p.Interval > 0 {
			if err := p.waitUntil(ctx, t0.Add(time.Duration(i)*p.Interval), i, &stats); err != nil {
				return stats, err
			}
		}

		f := wire.Frame{Seq: i, Payload: chunk, Role: wire.Continue}
		switch {
		case !ok:
			f.Role = wire.Last
		case i == 0:
			f.Role = wire.First
		}

		if err := emit(f); err != nil {
			return stats, fmt.Errorf("emit frame %d: %w", i, err)
		}
		stats.Frames++
		stats.Bytes += len(f.Payload)

		if !ok {
			stats.Elapsed = clock.Now().Sub(t0)
			return stats, nil
		}
	}
}

func (p *Pacer) waitUntil(ctx context.Context, target time.Time, seq int, stats *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clock := p.clock()
	if d := target.Sub(clock.Now()); d > p.Slack {
		if err := clock.Sleep(ctx, d); err != nil {
			return err
		}
	}
	lag := max(clock.Now().Sub(target), 0)
	if lag > stats.MaxLag {
		stats.MaxLag = lag
	}
	if p.OnLag != nil {
		p.OnLag(seq, lag)
	}
	return nil
}
