// Package audio reads PCM input from WAV files, raw files and streams.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

var ErrUnsupported = errors.New("unsupported audio")

// PCM is 16-bit little-endian mono audio.
type PCM struct {
	Data       []byte
	SampleRate int
}

// Load reads path as a WAV file when it has a .wav extension and as raw
// s16le PCM otherwise, in which case rate is taken on trust.
func Load(path string, rate int) (PCM, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		f, err := os.Open(path)
		if err != nil {
			return PCM{}, err
		}
		defer f.Close()
		return DecodeWAV(f)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return PCM{}, err
	}
	return PCM{Data: data, SampleRate: rate}, nil
}

// DecodeWAV accepts only uncompressed 16-bit mono files.
func DecodeWAV(r io.ReadSeeker) (PCM, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return PCM{}, fmt.Errorf("%w: not a wav file", ErrUnsupported)
	}
	if d.WavAudioFormat != 1 {
		return PCM{}, fmt.Errorf("%w: wav format %d", ErrUnsupported, d.WavAudioFormat)
	}
	if d.BitDepth != 16 || d.NumChans != 1 {
		return PCM{}, fmt.Errorf("%w: %d-bit %d-channel", ErrUnsupported, d.BitDepth, d.NumChans)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("read wav: %w", err)
	}

	out := make([]byte, 2*len(buf.Data))
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return PCM{Data: out, SampleRate: int(d.SampleRate)}, nil
}

// Chunks reads r in pieces of size bytes until EOF and delivers them on the
// returned channel, which is closed when reading stops.
func Chunks(ctx context.Context, r io.Reader, size int) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()
	return out, errc
}

