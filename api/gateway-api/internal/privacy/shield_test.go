package internal_privacy

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/alchemist/pkg/commons"
)

type scriptedDetector struct {
	boxes []FaceBox
	err   error

	lastFrame   []byte
	hadDeadline bool
}

func (d *scriptedDetector) Detect(ctx context.Context, jpegData []byte) ([]FaceBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, d.hadDeadline = ctx.Deadline()
	d.lastFrame = jpegData
	return d.boxes, d.err
}

func newTestShield(detector FaceDetector, cfg ShieldConfig) *Shield {
	return NewShield(commons.NewNopLogger(), detector, cfg)
}

// checkerJPEG renders a hard black/white checkerboard. Its sharp edges make
// blurring measurable: gaussian smoothing collapses neighbor contrast.
func checkerJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 255}
			if (x/8+y/8)%2 == 0 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// neighborContrast is the mean absolute luma difference between horizontally
// adjacent pixels inside r.
func neighborContrast(t *testing.T, jpegData []byte, r image.Rectangle) float64 {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	require.NoError(t, err)
	r = r.Intersect(img.Bounds())
	require.False(t, r.Empty())

	var total, samples float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X-1; x++ {
			a := color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
			b := color.GrayModel.Convert(img.At(x+1, y)).(color.Gray).Y
			diff := float64(a) - float64(b)
			if diff < 0 {
				diff = -diff
			}
			total += diff
			samples++
		}
	}
	return total / samples
}

func TestClassifySafeWithNoFaces(t *testing.T) {
	detector := &scriptedDetector{}
	shield := newTestShield(detector, ShieldConfig{})
	frame := checkerJPEG(t, 96, 96)

	res := shield.Classify(context.Background(), frame)

	assert.Equal(t, VerdictSafe, res.Verdict)
	assert.Zero(t, res.FaceCount)
	assert.Nil(t, res.Processed)
	assert.True(t, res.Forwardable())
	assert.Equal(t, frame, detector.lastFrame)
}

func TestClassifyBlursDetectedFace(t *testing.T) {
	face := FaceBox{X: 24, Y: 24, Width: 48, Height: 48}
	detector := &scriptedDetector{boxes: []FaceBox{face}}
	shield := newTestShield(detector, ShieldConfig{CrowdThreshold: 3})
	frame := checkerJPEG(t, 96, 96)

	res := shield.Classify(context.Background(), frame)

	require.Equal(t, VerdictBlurred, res.Verdict)
	assert.Equal(t, 1, res.FaceCount)
	require.NotEmpty(t, res.Processed)
	assert.True(t, res.Forwardable())
	assert.True(t, detector.hadDeadline, "detection must run under a deadline")

	region := image.Rect(face.X, face.Y, face.X+face.Width, face.Y+face.Height)
	before := neighborContrast(t, frame, region)
	after := neighborContrast(t, res.Processed, region)
	assert.Less(t, after, before/4, "face region must lose its detail to the blur")
}

func TestClassifyBlursAtCrowdThreshold(t *testing.T) {
	boxes := make([]FaceBox, 3)
	for i := range boxes {
		boxes[i] = FaceBox{X: i * 24, Y: 10, Width: 16, Height: 16}
	}
	detector := &scriptedDetector{boxes: boxes}
	shield := newTestShield(detector, ShieldConfig{CrowdThreshold: 3})

	res := shield.Classify(context.Background(), checkerJPEG(t, 96, 96))

	assert.Equal(t, VerdictBlurred, res.Verdict)
	assert.Equal(t, 3, res.FaceCount)
	assert.NotEmpty(t, res.Processed)
	assert.True(t, res.Forwardable())
}

func TestClassifyBlocksCrowd(t *testing.T) {
	boxes := make([]FaceBox, 4)
	for i := range boxes {
		boxes[i] = FaceBox{X: i * 20, Y: 10, Width: 16, Height: 16}
	}
	detector := &scriptedDetector{boxes: boxes}
	shield := newTestShield(detector, ShieldConfig{CrowdThreshold: 3})

	res := shield.Classify(context.Background(), checkerJPEG(t, 96, 96))

	assert.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, 4, res.FaceCount)
	assert.Equal(t, ReasonCrowd, res.Reason)
	assert.Nil(t, res.Processed)
	assert.False(t, res.Forwardable())
}

func TestClassifyFailsClosedOnDetectorError(t *testing.T) {
	detector := &scriptedDetector{err: fmt.Errorf("annotate endpoint down")}
	shield := newTestShield(detector, ShieldConfig{})

	res := shield.Classify(context.Background(), checkerJPEG(t, 32, 32))

	assert.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, ReasonDetectorUnavailable, res.Reason)
	assert.False(t, res.Forwardable())
}

func TestClassifyFailsClosedWhenContextDead(t *testing.T) {
	detector := &scriptedDetector{boxes: []FaceBox{{X: 0, Y: 0, Width: 8, Height: 8}}}
	shield := newTestShield(detector, ShieldConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := shield.Classify(ctx, checkerJPEG(t, 32, 32))

	assert.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, ReasonDetectorUnavailable, res.Reason)
}

func TestClassifyBlocksUndecodableFrame(t *testing.T) {
	detector := &scriptedDetector{boxes: []FaceBox{{X: 0, Y: 0, Width: 8, Height: 8}}}
	shield := newTestShield(detector, ShieldConfig{})

	res := shield.Classify(context.Background(), []byte("not a jpeg"))

	assert.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, 1, res.FaceCount)
	assert.Equal(t, ReasonDetectorUnavailable, res.Reason)
}

func TestClassifyIgnoresOffFrameBox(t *testing.T) {
	detector := &scriptedDetector{boxes: []FaceBox{{X: 500, Y: 500, Width: 40, Height: 40}}}
	shield := newTestShield(detector, ShieldConfig{})

	res := shield.Classify(context.Background(), checkerJPEG(t, 64, 64))

	require.Equal(t, VerdictBlurred, res.Verdict)
	assert.NotEmpty(t, res.Processed)
}

func TestForwardable(t *testing.T) {
	assert.True(t, Result{Verdict: VerdictSafe}.Forwardable())
	assert.True(t, Result{Verdict: VerdictBlurred}.Forwardable())
	assert.False(t, Result{Verdict: VerdictBlocked}.Forwardable())
}
