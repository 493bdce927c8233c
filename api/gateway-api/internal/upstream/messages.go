// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upstream

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// =============================================================================
// Live Wire Messages - BidiGenerateContent over WebSocket
// =============================================================================

// Client -> server envelope carrying the one-time session setup.
type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string            `json:"model"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *contentPayload   `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// Client -> server envelope for streaming media chunks.
type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Client -> server envelope for turn-structured text content.
type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentPayload `json:"turns,omitempty"`
	TurnComplete bool             `json:"turnComplete"`
}

type contentPayload struct {
	Role  string        `json:"role,omitempty"`
	Parts []partPayload `json:"parts"`
}

type partPayload struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Server -> client envelope. Exactly one field is populated per message.
type serverMessage struct {
	SetupComplete *setupComplete `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type setupComplete struct{}

type serverContent struct {
	ModelTurn    *contentPayload `json:"modelTurn,omitempty"`
	TurnComplete bool            `json:"turnComplete,omitempty"`
	Interrupted  bool            `json:"interrupted,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int `json:"totalTokenCount,omitempty"`
}

// =============================================================================
// Message builders
// =============================================================================

const (
	audioMimeType = "audio/pcm;rate=16000"
	imageMimeType = "image/jpeg"
)

func newSetupMessage(model, voice, instruction string) setupMessage {
	gen := &generationConfig{ResponseModalities: []string{"AUDIO"}}
	if voice != "" {
		gen.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	setup := setupPayload{Model: model, GenerationConfig: gen}
	if instruction != "" {
		setup.SystemInstruction = &contentPayload{
			Parts: []partPayload{{Text: instruction}},
		}
	}
	return setupMessage{Setup: setup}
}

func newMediaMessage(mimeType string, payload []byte) realtimeInputMessage {
	return realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(payload),
			}},
		},
	}
}

func newTextMessage(text string) clientContentMessage {
	return clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentPayload{{
				Role:  "user",
				Parts: []partPayload{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
}

// newEndOfTurnMessage tells the service the current user turn is over without
// contributing further content. Used when a turn is cancelled mid-response.
func newEndOfTurnMessage() clientContentMessage {
	return clientContentMessage{
		ClientContent: clientContent{TurnComplete: true},
	}
}

func parseServerMessage(raw []byte) (*serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// isAudioPart reports whether an inline data part carries PCM audio. The
// service reports the frame rate in the mime type suffix; only the family
// matters here.
func isAudioPart(p partPayload) bool {
	return p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/pcm")
}
