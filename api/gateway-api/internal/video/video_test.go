package internal_video

import (
	"image"
	"image/color"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vp8RTPPacket builds an RTP packet holding a minimal VP8 payload descriptor
// (one byte, S bit optionally set, PID 0) followed by frame bytes.
func vp8RTPPacket(start, marker bool, frameBytes []byte) *rtp.Packet {
	descriptor := byte(0x00)
	if start {
		descriptor |= 0x10
	}
	return &rtp.Packet{
		Header:  rtp.Header{Marker: marker},
		Payload: append([]byte{descriptor}, frameBytes...),
	}
}

// ============================================================
// VP8 assembly
// ============================================================

func TestVP8AssemblerSinglePacketFrame(t *testing.T) {
	a := NewVP8Assembler()
	frame, ok := a.Push(vp8RTPPacket(true, true, []byte{0x00, 0xAA, 0xBB}))
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xAA, 0xBB}, frame)
}

func TestVP8AssemblerMultiPacketFrame(t *testing.T) {
	a := NewVP8Assembler()

	_, ok := a.Push(vp8RTPPacket(true, false, []byte{0x00, 0x01}))
	assert.False(t, ok)
	_, ok = a.Push(vp8RTPPacket(false, false, []byte{0x02, 0x03}))
	assert.False(t, ok)
	frame, ok := a.Push(vp8RTPPacket(false, true, []byte{0x04}))
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04}, frame)
}

func TestVP8AssemblerDropsTornFrame(t *testing.T) {
	a := NewVP8Assembler()

	// Mid-stream join: continuation packets before any start flag.
	_, ok := a.Push(vp8RTPPacket(false, false, []byte{0xFF}))
	assert.False(t, ok)
	_, ok = a.Push(vp8RTPPacket(false, true, []byte{0xFF}))
	assert.False(t, ok)

	// The next full frame still assembles.
	frame, ok := a.Push(vp8RTPPacket(true, true, []byte{0x00, 0x11}))
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x11}, frame)
}

func TestVP8AssemblerRestartsOnNewStart(t *testing.T) {
	a := NewVP8Assembler()

	_, ok := a.Push(vp8RTPPacket(true, false, []byte{0x00, 0x01}))
	assert.False(t, ok)
	// A new start flag abandons the half-built frame.
	frame, ok := a.Push(vp8RTPPacket(true, true, []byte{0x00, 0x22}))
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x22}, frame)
}

// ============================================================
// Keyframe detection
// ============================================================

func TestIsKeyframe(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		expected bool
	}{
		{"empty", nil, false},
		{"keyframe", []byte{0x00, 0x01}, true},
		{"interframe", []byte{0x01, 0x02}, false},
		{"keyframe with flags", []byte{0x10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsKeyframe(tt.frame))
		})
	}
}

func TestDecodeKeyframeRejectsInterframe(t *testing.T) {
	_, err := DecodeKeyframe([]byte{0x01, 0x00, 0x00})
	assert.Error(t, err)
}

func TestDecodeKeyframeRejectsGarbage(t *testing.T) {
	_, err := DecodeKeyframe([]byte{0x00, 0xDE, 0xAD, 0xBE, 0xEF})
	assert.Error(t, err)
}

// ============================================================
// JPEG encode
// ============================================================

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func TestEncodeJPEGKeepsSmallImages(t *testing.T) {
	data, err := EncodeJPEG(testImage(320, 240), 80, 768)
	require.NoError(t, err)

	decoded, err := DecodeImage(data)
	require.NoError(t, err)
	assert.Equal(t, 320, decoded.Bounds().Dx())
	assert.Equal(t, 240, decoded.Bounds().Dy())
}

func TestEncodeJPEGDownscalesLongSide(t *testing.T) {
	data, err := EncodeJPEG(testImage(1920, 1080), 80, 768)
	require.NoError(t, err)

	decoded, err := DecodeImage(data)
	require.NoError(t, err)
	assert.LessOrEqual(t, decoded.Bounds().Dx(), 768)
	assert.LessOrEqual(t, decoded.Bounds().Dy(), 768)
	// Aspect ratio survives the resize.
	assert.Equal(t, 768, decoded.Bounds().Dx())
	assert.Equal(t, 432, decoded.Bounds().Dy())
}

func TestEncodeJPEGClampsQuality(t *testing.T) {
	low, err := EncodeJPEG(testImage(64, 64), 5, 768)
	require.NoError(t, err)
	high, err := EncodeJPEG(testImage(64, 64), 100, 768)
	require.NoError(t, err)
	// Clamped to 70 and 85: both must decode fine.
	_, err = DecodeImage(low)
	assert.NoError(t, err)
	_, err = DecodeImage(high)
	assert.NoError(t, err)
}

func TestThumbnail(t *testing.T) {
	data, err := Thumbnail(testImage(1024, 512), 80)
	require.NoError(t, err)

	decoded, err := DecodeImage(data)
	require.NoError(t, err)
	assert.LessOrEqual(t, decoded.Bounds().Dx(), 256)
	assert.LessOrEqual(t, decoded.Bounds().Dy(), 256)
}
