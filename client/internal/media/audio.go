package media

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"meshvoice/client/internal/vad"
)

const (
	sampleRate = 48000
	// SampleRate is the fixed capture/encode rate the Media Pipeline runs
	// at; a CaptureStream must produce samples at this rate.
	SampleRate  = sampleRate
	channels    = 1
	FrameSize   = 960 // 20 ms @ 48 kHz
	opusBitrate = 32000

	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
	frameDuration      = 20 * time.Millisecond

	// vadTickFrames is the number of 20 ms capture frames between VAD ticks:
	// 100 ms / 20 ms = 5.
	vadTickFrames = 5
)

// paStream abstracts a PortAudio input stream for testability and lets a
// non-hardware source (e.g. a synthetic test tone) feed the same capture
// pipeline a real microphone uses.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// CaptureStream is the exported form of paStream: anything that produces
// FrameSize samples per Read call into a shared buffer can drive a
// Microphone, not only a PortAudio device.
type CaptureStream = paStream

// opusEncoder abstracts Opus encoding for testability.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
}

// Microphone is the microphone subsystem of the Media Pipeline: it opens the
// configured input device with echo-cancel, noise-suppress, and AGC
// disabled (spec.md §4.3 — the raw signal is what feeds the VAD), encodes
// captured audio with Opus, and exposes it as a live audio Track.
type Microphone struct {
	mu sync.Mutex

	track   *Track
	encoder opusEncoder
	stream  paStream

	vadDetector *vad.Detector
	onSpeaking  func(bool)
	speaking    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMicrophone constructs a Microphone pipeline. Call Start to open the
// device and begin producing samples on its Track.
func NewMicrophone() (*Microphone, error) {
	track, err := newTrack(KindAudio, "microphone", "audio/opus")
	if err != nil {
		return nil, fmt.Errorf("new microphone track: %w", err)
	}
	return &Microphone{
		track:       track,
		vadDetector: vad.New(),
	}, nil
}

// Track returns the live audio track. Valid for the Microphone's lifetime;
// the Mesh Controller holds only a non-owning reference to it.
func (m *Microphone) Track() *Track {
	return m.track
}

// OnSpeaking registers the callback invoked whenever the VAD tick changes
// the speaking state. Speaking updates are throttled to the VAD tick rate
// (100 ms) per spec.md §4.4.
func (m *Microphone) OnSpeaking(fn func(speaking bool)) {
	m.mu.Lock()
	m.onSpeaking = fn
	m.mu.Unlock()
}

// SetMuted flips the track's enabled bit. A muted track's VAD always
// reports not-speaking, regardless of signal amplitude (spec.md Property 6).
func (m *Microphone) SetMuted(muted bool) {
	m.track.SetMuted(muted)
	m.vadDetector.SetMuted(muted)
}

// Start opens the named input device (or the platform default when
// deviceID < 0), starts the Opus encoder, and begins the capture loop.
func (m *Microphone) Start(deviceID int) error {
	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("list audio devices: %w", err)
	}
	dev, err := resolveInputDevice(devices, deviceID)
	if err != nil {
		return err
	}

	buf := make([]float32, FrameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start capture stream: %w", err)
	}

	if err := m.StartCapture(stream, buf); err != nil {
		stream.Stop()
		stream.Close()
		return err
	}
	log.Printf("[media] microphone started: %s", dev.Name)
	return nil
}

// StartCapture begins the shared capture loop (Opus encode, VAD ticking,
// track writes) over an arbitrary CaptureStream rather than a PortAudio
// device. A headless bot peer uses this to feed a synthesized tone through
// the exact same pipeline a hardware microphone drives.
func (m *Microphone) StartCapture(stream CaptureStream, buf []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return nil
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("new opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)
	m.encoder = enc

	m.stream = stream
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.captureLoop(stream, buf)
	}()
	return nil
}

// Stop releases the capture device and ends the track. The track's ended
// event propagates to every holder so sessions can renegotiate.
func (m *Microphone) Stop() {
	m.mu.Lock()
	stream := m.stream
	stopCh := m.stopCh
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return
	}
	close(stopCh)
	stream.Stop()
	m.wg.Wait()
	stream.Close()
	m.track.end()
	log.Println("[media] microphone stopped")
}

func resolveInputDevice(devices []*portaudio.DeviceInfo, id int) (*portaudio.DeviceInfo, error) {
	if id >= 0 && id < len(devices) && devices[id].MaxInputChannels > 0 {
		return devices[id], nil
	}
	return portaudio.DefaultInputDevice()
}

func (m *Microphone) captureLoop(stream paStream, buf []float32) {
	pcm := make([]int16, FrameSize)
	opusBuf := make([]byte, opusMaxPacketBytes)
	vadWindow := make([]float32, vad.Bins)
	framesSinceTick := 0

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			log.Printf("[media] capture read: %v", err)
			return
		}

		copyTailInto(vadWindow, buf)
		framesSinceTick++
		if framesSinceTick >= vadTickFrames {
			framesSinceTick = 0
			m.runVADTick(vadWindow)
		}

		for i, s := range buf {
			pcm[i] = floatToInt16(s)
		}
		n, err := m.encoder.Encode(pcm, opusBuf)
		if err != nil {
			log.Printf("[media] opus encode: %v", err)
			continue
		}

		if m.track.Muted() {
			continue
		}
		sample := media.Sample{Data: append([]byte(nil), opusBuf[:n]...), Duration: frameDuration}
		if err := m.track.Local.WriteSample(sample); err != nil {
			log.Printf("[media] write sample: %v", err)
		}
	}
}

func (m *Microphone) runVADTick(window []float32) {
	speaking := m.vadDetector.Tick(window)
	m.mu.Lock()
	changed := speaking != m.speaking
	m.speaking = speaking
	fn := m.onSpeaking
	m.mu.Unlock()
	if changed && fn != nil {
		fn(speaking)
	}
}

// copyTailInto slides dst left by len(src) and appends src, keeping dst's
// length constant. Used to maintain a rolling window of the most recent
// vad.Bins samples across capture frames for the 100 ms analysis tick.
func copyTailInto(dst, src []float32) {
	if len(src) >= len(dst) {
		copy(dst, src[len(src)-len(dst):])
		return
	}
	copy(dst, dst[len(src):])
	copy(dst[len(dst)-len(src):], src)
}

func floatToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	}
	if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767)
}
