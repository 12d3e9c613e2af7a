package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"meshvoice/client/internal/media"
	"meshvoice/client/internal/mesh"
)

const (
	testFreq      = 440.0 // Hz, A4
	testAmplitude = 0.3   // 30% to avoid clipping
	beepOnMs      = 600
	beepOffMs     = 400
)

// startBotMicrophone publishes a synthetic audio track through the same
// capture pipeline a real microphone uses, for load-testing a room without
// hardware. If audioPath names a 48kHz mono 16-bit PCM WAV file, it is
// looped; otherwise a 440 Hz beep pattern is generated.
func startBotMicrophone(c *mesh.Controller, audioPath string) error {
	var samples []int16
	if audioPath != "" {
		s, err := loadWAV(audioPath)
		if err != nil {
			log.Printf("[peer] cannot load %s: %v, falling back to sine tone", audioPath, err)
		} else {
			samples = s
			log.Printf("[peer] looping %s (%d samples)", audioPath, len(samples))
		}
	}

	stream := newToneStream(samples)
	buf := make([]float32, media.FrameSize)
	stream.buf = buf
	if err := stream.Start(); err != nil {
		return err
	}
	return c.StartMicrophoneWithCapture(stream, buf)
}

// toneStream implements media.CaptureStream: each Read call blocks for one
// frame period, then fills buf with either the looped WAV or a synthesized
// beep, exactly standing in for a PortAudio input stream.
type toneStream struct {
	samples []int16 // nil => synthetic beep
	pos     int

	buf    []float32
	ticker *time.Ticker

	phase float64
	start time.Time
}

func newToneStream(samples []int16) *toneStream {
	return &toneStream{samples: samples}
}

func (t *toneStream) Start() error {
	t.ticker = time.NewTicker(20 * time.Millisecond)
	t.start = time.Now()
	return nil
}

func (t *toneStream) Stop() error {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	return nil
}

func (t *toneStream) Close() error { return nil }

func (t *toneStream) Read() error {
	<-t.ticker.C

	if len(t.samples) > 0 {
		for i := range t.buf {
			t.buf[i] = float32(t.samples[t.pos]) / 32767.0
			t.pos = (t.pos + 1) % len(t.samples)
		}
		return nil
	}

	cycleLen := time.Duration(beepOnMs+beepOffMs) * time.Millisecond
	beepOn := time.Duration(beepOnMs) * time.Millisecond
	if time.Since(t.start)%cycleLen < beepOn {
		for i := range t.buf {
			t.buf[i] = float32(testAmplitude * math.Sin(2*math.Pi*testFreq*t.phase/float64(media.SampleRate)))
			t.phase++
		}
	} else {
		for i := range t.buf {
			t.buf[i] = 0
		}
		t.phase = 0
	}
	return nil
}

// loadWAV reads a 48kHz mono 16-bit PCM WAV file into its raw samples.
// Convert other formats first, e.g. ffmpeg -i in.mp3 -ar 48000 -ac 1 out.wav
func loadWAV(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var riff [4]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return nil, fmt.Errorf("read RIFF: %w", err)
	}
	if string(riff[:]) != "RIFF" {
		return nil, fmt.Errorf("not a RIFF file")
	}
	var chunkSize uint32
	binary.Read(f, binary.LittleEndian, &chunkSize)
	var wave [4]byte
	if _, err := io.ReadFull(f, wave[:]); err != nil {
		return nil, fmt.Errorf("read WAVE: %w", err)
	}
	if string(wave[:]) != "WAVE" {
		return nil, fmt.Errorf("not a WAVE file")
	}

	var (
		audioFormat   uint16
		numChannels   uint16
		sampleRateHz  uint32
		bitsPerSample uint16
		fmtFound      bool
	)

	for {
		var id [4]byte
		if _, err := io.ReadFull(f, id[:]); err != nil {
			break
		}
		var size uint32
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			break
		}

		switch string(id[:]) {
		case "fmt ":
			binary.Read(f, binary.LittleEndian, &audioFormat)
			binary.Read(f, binary.LittleEndian, &numChannels)
			binary.Read(f, binary.LittleEndian, &sampleRateHz)
			var byteRate uint32
			binary.Read(f, binary.LittleEndian, &byteRate)
			var blockAlign uint16
			binary.Read(f, binary.LittleEndian, &blockAlign)
			binary.Read(f, binary.LittleEndian, &bitsPerSample)
			if size > 16 {
				io.CopyN(io.Discard, f, int64(size-16))
			}
			fmtFound = true
			if size%2 != 0 {
				io.CopyN(io.Discard, f, 1)
			}

		case "data":
			if !fmtFound {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if audioFormat != 1 {
				return nil, fmt.Errorf("WAV must be PCM (format 1, got %d)", audioFormat)
			}
			if numChannels != 1 {
				return nil, fmt.Errorf("WAV must be mono (got %d channels)", numChannels)
			}
			if sampleRateHz != media.SampleRate {
				return nil, fmt.Errorf("WAV must be %d Hz (got %d Hz)", media.SampleRate, sampleRateHz)
			}
			if bitsPerSample != 16 {
				return nil, fmt.Errorf("WAV must be 16-bit (got %d-bit)", bitsPerSample)
			}
			samples := make([]int16, size/2)
			if err := binary.Read(f, binary.LittleEndian, samples); err != nil {
				return nil, fmt.Errorf("read samples: %w", err)
			}
			return samples, nil

		default:
			skip := int64(size)
			if size%2 != 0 {
				skip++
			}
			io.CopyN(io.Discard, f, skip)
		}
	}

	return nil, fmt.Errorf("no data chunk found")
}
