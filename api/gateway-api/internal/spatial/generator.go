// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_spatial

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

const contextualPromptTemplate = `Context: %s

User Request: %s

Please provide a detailed architectural design response that considers the context above.`

// Generator produces one-shot design text outside any live session.
type Generator struct {
	logger commons.Logger
	gen    ContentGenerator
	model  string
}

func NewGenerator(logger commons.Logger, gen ContentGenerator, model string) *Generator {
	return &Generator{logger: logger, gen: gen, model: model}
}

// Generate answers a design prompt. An optional design context is folded into
// the prompt so the model grounds its answer in the caller's scene.
func (g *Generator) Generate(ctx context.Context, prompt, designContext string) (string, error) {
	if utils.IsEmpty(prompt) {
		return "", commons.BadRequest("prompt is required")
	}
	request := prompt
	if !utils.IsEmpty(designContext) {
		request = fmt.Sprintf(contextualPromptTemplate, designContext, prompt)
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: request}},
	}}
	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()
	resp, err := g.gen.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", commons.Timeout("generation timed out")
		}
		return "", commons.AnalysisFailed("generation failed", err)
	}
	return resp.Text(), nil
}
