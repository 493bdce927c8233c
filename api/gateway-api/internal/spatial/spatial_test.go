package internal_spatial

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/rapidaai/alchemist/pkg/commons"
)

// ============================================================
// Fakes
// ============================================================

type recordedRequest struct {
	model    string
	contents []*genai.Content
}

type fakeGenerator struct {
	mu          sync.Mutex
	replies     []string
	err         error
	requests    []recordedRequest
	hadDeadline bool
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.hadDeadline = ctx.Deadline()
	f.requests = append(f.requests, recordedRequest{model: model, contents: contents})
	if f.err != nil {
		return nil, f.err
	}
	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	return textResponse(reply), nil
}

func (f *fakeGenerator) lastRequest(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeGenerator) lastPrompt(t *testing.T) string {
	t.Helper()
	req := f.lastRequest(t)
	require.NotEmpty(t, req.contents)
	require.NotEmpty(t, req.contents[0].Parts)
	return req.contents[0].Parts[0].Text
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func newTestAnalyzer(f *fakeGenerator) *Analyzer {
	return NewAnalyzer(commons.NewNopLogger(), f, "models/test-analyzer")
}

func errorKind(t *testing.T, err error) commons.ErrorKind {
	t.Helper()
	require.Error(t, err)
	return commons.AsServiceError(err).Kind
}

// ============================================================
// IdentifySurface
// ============================================================

func TestIdentifySurfaceParsesModelReply(t *testing.T) {
	f := &fakeGenerator{replies: []string{
		`Sure, here is the analysis:
{"surface": {"type": "wall", "material": "plaster", "color": "white", "boundingBox": [100, 200, 650, 900]}, "confidence": 0.92, "reasoning": "The point lies on a flat vertical surface."}
Let me know if you need anything else.`,
	}}
	a := newTestAnalyzer(f)

	surface, err := a.IdentifySurface(context.Background(), SurfaceQuery{
		JPEG: []byte{0xFF, 0xD8}, X: 640, Y: 360, Width: 1280, Height: 720,
	})
	require.NoError(t, err)

	assert.Equal(t, "wall", surface.Type)
	assert.Equal(t, "plaster", surface.Material)
	assert.Equal(t, "white", surface.Color)
	assert.Equal(t, [4]int{100, 200, 650, 900}, surface.BoundingBox)
	assert.Equal(t, "The point lies on a flat vertical surface.", surface.Reasoning)
}

func TestIdentifySurfaceNormalizesClickCoordinates(t *testing.T) {
	f := &fakeGenerator{replies: []string{`{"surface": {"type": "floor"}}`}}
	a := newTestAnalyzer(f)

	_, err := a.IdentifySurface(context.Background(), SurfaceQuery{
		JPEG: []byte{0xFF, 0xD8}, X: 320, Y: 540, Width: 1280, Height: 720,
	})
	require.NoError(t, err)

	// 320/1280 and 540/720 scaled to the model's 0-1000 grid, [y, x] order.
	assert.Contains(t, f.lastPrompt(t), "[750, 250]")
}

func TestIdentifySurfaceDefaultsFrameDimensions(t *testing.T) {
	f := &fakeGenerator{replies: []string{`{"surface": {"type": "floor"}}`}}
	a := newTestAnalyzer(f)

	_, err := a.IdentifySurface(context.Background(), SurfaceQuery{
		JPEG: []byte{0xFF, 0xD8}, X: 320, Y: 180,
	})
	require.NoError(t, err)

	assert.Contains(t, f.lastPrompt(t), "[250, 250]")
}

func TestIdentifySurfaceSendsImageInline(t *testing.T) {
	f := &fakeGenerator{replies: []string{`{"surface": {"type": "floor"}}`}}
	a := newTestAnalyzer(f)

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	_, err := a.IdentifySurface(context.Background(), SurfaceQuery{JPEG: jpeg, X: 1, Y: 1})
	require.NoError(t, err)

	req := f.lastRequest(t)
	assert.Equal(t, "models/test-analyzer", req.model)
	require.Len(t, req.contents[0].Parts, 2)
	blob := req.contents[0].Parts[1].InlineData
	require.NotNil(t, blob)
	assert.Equal(t, "image/jpeg", blob.MIMEType)
	assert.Equal(t, jpeg, blob.Data)
}

func TestIdentifySurfaceClampsBoundingBox(t *testing.T) {
	f := &fakeGenerator{replies: []string{
		`{"surface": {"type": "ceiling", "boundingBox": [-50, 0, 1500, 900.7]}}`,
	}}
	a := newTestAnalyzer(f)

	surface, err := a.IdentifySurface(context.Background(), SurfaceQuery{JPEG: []byte{0xFF}, X: 1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, [4]int{0, 0, 1000, 900}, surface.BoundingBox)
}

func TestIdentifySurfaceAcceptsSnakeCaseBox(t *testing.T) {
	f := &fakeGenerator{replies: []string{
		`{"surface": {"type": "window", "bounding_box": [10, 20, 30, 40]}, "reasoning": "glass pane"}`,
	}}
	a := newTestAnalyzer(f)

	surface, err := a.IdentifySurface(context.Background(), SurfaceQuery{JPEG: []byte{0xFF}, X: 1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, [4]int{10, 20, 30, 40}, surface.BoundingBox)
	assert.Equal(t, "glass pane", surface.Reasoning)
}

func TestIdentifySurfaceWithoutJSONFails(t *testing.T) {
	f := &fakeGenerator{replies: []string{"I could not find any surface there."}}
	a := newTestAnalyzer(f)

	_, err := a.IdentifySurface(context.Background(), SurfaceQuery{JPEG: []byte{0xFF}, X: 1, Y: 1})
	assert.Equal(t, commons.KindAnalysisFailed, errorKind(t, err))
}

func TestIdentifySurfaceGeneratorErrorMapsToAnalysisFailed(t *testing.T) {
	f := &fakeGenerator{err: errors.New("quota exceeded")}
	a := newTestAnalyzer(f)

	_, err := a.IdentifySurface(context.Background(), SurfaceQuery{JPEG: []byte{0xFF}, X: 1, Y: 1})
	assert.Equal(t, commons.KindAnalysisFailed, errorKind(t, err))
}

func TestIdentifySurfaceDeadlineMapsToTimeout(t *testing.T) {
	f := &fakeGenerator{err: context.DeadlineExceeded}
	a := newTestAnalyzer(f)

	_, err := a.IdentifySurface(context.Background(), SurfaceQuery{JPEG: []byte{0xFF}, X: 1, Y: 1})
	assert.Equal(t, commons.KindTimeout, errorKind(t, err))
	assert.True(t, f.hadDeadline, "model call should run under a deadline")
}

// ============================================================
// AnalyzeRoom
// ============================================================

func TestAnalyzeRoomReturnsParsedObject(t *testing.T) {
	f := &fakeGenerator{replies: []string{
		"```json\n{\"elements\": [{\"type\": \"wall\", \"boundingBox\": [0, 0, 1000, 500]}], \"lighting\": \"natural\"}\n```",
	}}
	a := newTestAnalyzer(f)

	result, err := a.AnalyzeRoom(context.Background(), []byte{0xFF, 0xD8})
	require.NoError(t, err)

	assert.Equal(t, "natural", result["lighting"])
	assert.Len(t, result["elements"], 1)
}

func TestAnalyzeRoomMalformedJSONFails(t *testing.T) {
	f := &fakeGenerator{replies: []string{`{"elements": [unterminated`}}
	a := newTestAnalyzer(f)

	_, err := a.AnalyzeRoom(context.Background(), []byte{0xFF})
	assert.Equal(t, commons.KindAnalysisFailed, errorKind(t, err))
}

// ============================================================
// Generator
// ============================================================

func TestGenerateRequiresPrompt(t *testing.T) {
	g := NewGenerator(commons.NewNopLogger(), &fakeGenerator{}, "models/test-analyzer")

	_, err := g.Generate(context.Background(), "  ", "")
	assert.Equal(t, commons.KindBadRequest, errorKind(t, err))
}

func TestGenerateWrapsContextAroundPrompt(t *testing.T) {
	f := &fakeGenerator{replies: []string{"Use warm oak flooring."}}
	g := NewGenerator(commons.NewNopLogger(), f, "models/test-analyzer")

	text, err := g.Generate(context.Background(), "redesign the living room", "mid-century apartment, north light")
	require.NoError(t, err)
	assert.Equal(t, "Use warm oak flooring.", text)

	prompt := f.lastPrompt(t)
	assert.Contains(t, prompt, "Context: mid-century apartment, north light")
	assert.Contains(t, prompt, "User Request: redesign the living room")
}

func TestGenerateWithoutContextPassesPromptThrough(t *testing.T) {
	f := &fakeGenerator{replies: []string{"done"}}
	g := NewGenerator(commons.NewNopLogger(), f, "models/test-analyzer")

	_, err := g.Generate(context.Background(), "suggest a color palette", "")
	require.NoError(t, err)
	assert.Equal(t, "suggest a color palette", f.lastPrompt(t))
}

func TestGenerateUpstreamErrorMapsToAnalysisFailed(t *testing.T) {
	f := &fakeGenerator{err: errors.New("backend down")}
	g := NewGenerator(commons.NewNopLogger(), f, "models/test-analyzer")

	_, err := g.Generate(context.Background(), "prompt", "")
	assert.Equal(t, commons.KindAnalysisFailed, errorKind(t, err))
}

func TestGenerateDeadlineMapsToTimeout(t *testing.T) {
	f := &fakeGenerator{err: context.DeadlineExceeded}
	g := NewGenerator(commons.NewNopLogger(), f, "models/test-analyzer")

	_, err := g.Generate(context.Background(), "prompt", "")
	assert.Equal(t, commons.KindTimeout, errorKind(t, err))
}

// ============================================================
// JSON extraction
// ============================================================

func TestExtractJSONBlock(t *testing.T) {
	block, ok := extractJSONBlock(`prefix {"a": {"b": 1}} suffix`)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": 1}}`, block)

	_, ok = extractJSONBlock("no braces here")
	assert.False(t, ok)

	_, ok = extractJSONBlock("} reversed {")
	assert.False(t, ok)
}
