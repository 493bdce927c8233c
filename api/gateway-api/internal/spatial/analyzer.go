// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_spatial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/genai"

	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

const (
	// default frame dimensions when the client omits them
	defaultFrameWidth  = 1280
	defaultFrameHeight = 720

	// analysisTimeout bounds a single model call; requests past it return
	// kind=timeout instead of hanging the handler.
	analysisTimeout = 30 * time.Second
)

// ContentGenerator is the slice of the model SDK the analyzer needs.
// *genai.Models satisfies it; tests plug in canned responses.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// NewContentGenerator dials the generative service with an API key.
func NewContentGenerator(ctx context.Context, apiKey string) (ContentGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create generative client: %w", err)
	}
	return client.Models, nil
}

// Surface is the normalized answer for a surface identification query.
// BoundingBox is [ymin, xmin, ymax, xmax] in 0..1000 coordinates.
type Surface struct {
	Type        string `json:"type"`
	Material    string `json:"material"`
	Color       string `json:"color"`
	BoundingBox [4]int `json:"bounding_box"`
	Reasoning   string `json:"reasoning"`
}

// SurfaceQuery locates a click on a still frame. X and Y are absolute pixels
// within a Width x Height frame.
type SurfaceQuery struct {
	JPEG   []byte
	X      int
	Y      int
	Width  int
	Height int
}

// Analyzer answers spatial questions about still frames with a model-backed
// prompt. It is stateless and safe for concurrent use.
type Analyzer struct {
	logger commons.Logger
	gen    ContentGenerator
	model  string
}

func NewAnalyzer(logger commons.Logger, gen ContentGenerator, model string) *Analyzer {
	return &Analyzer{logger: logger, gen: gen, model: model}
}

const identifySurfacePrompt = `Identify the architectural surface at normalized coordinate [%d, %d].
The image represents a room. Is this a wall, floor, ceiling, window, or door?

Provide:
1. The exact bounding box of the entire surface I am pointing at in [ymin, xmin, ymax, xmax] format (normalized 0-1000).
2. Its material and color.
3. Why you believe this is the surface at that point.

Return ONLY a JSON object with keys: "surface" (object with type, material, color, boundingBox), "confidence" (number), "reasoning" (string).`

const analyzeRoomPrompt = `Analyze this room image for architectural transformation.
Identify the following structural elements:
1. Walls (main structural surfaces)
2. Floor and ceiling
3. Windows and doors

For each element, provide:
- Bounding box in [ymin, xmin, ymax, xmax] format (normalized 0-1000)
- Surface type
- Material (e.g., concrete, wood, plaster)
- Estimated confidence (0-1)

Also estimate:
- Room dimensions (width, height, depth in meters)
- Camera position relative to the center of the room
- Lighting quality (natural, artificial)

Return ONLY a JSON object.`

// IdentifySurface asks the model what surface sits under the click and
// normalizes the reply to the wire shape.
func (a *Analyzer) IdentifySurface(ctx context.Context, q SurfaceQuery) (*Surface, error) {
	width, height := q.Width, q.Height
	if width <= 0 {
		width = defaultFrameWidth
	}
	if height <= 0 {
		height = defaultFrameHeight
	}
	normX := utils.Clamp(q.X*1000/width, 0, 1000)
	normY := utils.Clamp(q.Y*1000/height, 0, 1000)

	prompt := fmt.Sprintf(identifySurfacePrompt, normY, normX)
	text, err := a.generate(ctx, prompt, q.JPEG)
	if err != nil {
		return nil, err
	}

	block, ok := extractJSONBlock(text)
	if !ok {
		a.logger.Errorf("no JSON object in analyzer reply: %.120s", text)
		return nil, commons.AnalysisFailed("analyzer returned no result", nil)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil, commons.AnalysisFailed("analyzer returned malformed result", err)
	}

	var payload identifyPayload
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &payload,
	})
	if err != nil {
		return nil, commons.Internal(err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, commons.AnalysisFailed("analyzer returned malformed result", err)
	}

	box := payload.Surface.BoundingBox
	if len(box) != 4 {
		box = payload.Surface.BoundingBoxSnake
	}
	surface := &Surface{
		Type:      payload.Surface.Type,
		Material:  payload.Surface.Material,
		Color:     payload.Surface.Color,
		Reasoning: payload.Reasoning,
	}
	for i := 0; i < 4 && i < len(box); i++ {
		surface.BoundingBox[i] = utils.Clamp(int(box[i]), 0, 1000)
	}
	return surface, nil
}

// AnalyzeRoom runs the whole-room structural prompt and returns the model's
// JSON object as parsed.
func (a *Analyzer) AnalyzeRoom(ctx context.Context, jpegData []byte) (map[string]interface{}, error) {
	text, err := a.generate(ctx, analyzeRoomPrompt, jpegData)
	if err != nil {
		return nil, err
	}
	block, ok := extractJSONBlock(text)
	if !ok {
		a.logger.Errorf("no JSON object in room analysis reply: %.120s", text)
		return nil, commons.AnalysisFailed("analyzer returned no result", nil)
	}
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(block), &result); err != nil {
		return nil, commons.AnalysisFailed("analyzer returned malformed result", err)
	}
	return result, nil
}

func (a *Analyzer) generate(ctx context.Context, prompt string, jpegData []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: jpegData}},
		},
	}}
	resp, err := a.gen.GenerateContent(ctx, a.model, contents, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", commons.Timeout("spatial analysis timed out")
		}
		return "", commons.AnalysisFailed("spatial analysis failed", err)
	}
	return resp.Text(), nil
}

// identifyPayload tolerates the loose shapes the model actually produces.
type identifyPayload struct {
	Surface struct {
		Type             string    `mapstructure:"type"`
		Material         string    `mapstructure:"material"`
		Color            string    `mapstructure:"color"`
		BoundingBox      []float64 `mapstructure:"boundingBox"`
		BoundingBoxSnake []float64 `mapstructure:"bounding_box"`
	} `mapstructure:"surface"`
	Confidence float64 `mapstructure:"confidence"`
	Reasoning  string  `mapstructure:"reasoning"`
}

// extractJSONBlock pulls the outermost {...} span from a model reply that may
// wrap it in prose or code fences.
func extractJSONBlock(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
