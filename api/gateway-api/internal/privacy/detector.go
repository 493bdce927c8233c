// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_privacy

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/alchemist/pkg/commons"
)

// FaceDetector locates faces in a JPEG frame. Implementations must honor
// ctx cancellation; the shield enforces its own deadline and fails closed.
type FaceDetector interface {
	Detect(ctx context.Context, jpegData []byte) ([]FaceBox, error)
}

// visionDetector calls the Cloud Vision images:annotate REST endpoint with a
// FACE_DETECTION feature request.
type visionDetector struct {
	logger   commons.Logger
	client   *resty.Client
	endpoint string
	apiKey   string
}

func NewVisionDetector(logger commons.Logger, endpoint, apiKey string) FaceDetector {
	return &visionDetector{
		logger:   logger,
		client:   resty.New(),
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

type annotateRequest struct {
	Requests []annotateEntry `json:"requests"`
}

type annotateEntry struct {
	Image    annotateImage     `json:"image"`
	Features []annotateFeature `json:"features"`
}

type annotateImage struct {
	Content string `json:"content"`
}

type annotateFeature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults"`
}

type annotateResponse struct {
	Responses []struct {
		FaceAnnotations []struct {
			BoundingPoly struct {
				Vertices []struct {
					X int `json:"x"`
					Y int `json:"y"`
				} `json:"vertices"`
			} `json:"boundingPoly"`
		} `json:"faceAnnotations"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

func (d *visionDetector) Detect(ctx context.Context, jpegData []byte) ([]FaceBox, error) {
	body := annotateRequest{
		Requests: []annotateEntry{{
			Image:    annotateImage{Content: base64.StdEncoding.EncodeToString(jpegData)},
			Features: []annotateFeature{{Type: "FACE_DETECTION", MaxResults: 50}},
		}},
	}

	var result annotateResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("key", d.apiKey).
		SetBody(body).
		SetResult(&result).
		Post(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("vision annotate: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vision annotate: status %d", resp.StatusCode())
	}
	if len(result.Responses) == 0 {
		return nil, nil
	}
	if apiErr := result.Responses[0].Error; apiErr != nil {
		return nil, fmt.Errorf("vision annotate: %s", apiErr.Message)
	}

	annotations := result.Responses[0].FaceAnnotations
	boxes := make([]FaceBox, 0, len(annotations))
	for _, face := range annotations {
		vertices := face.BoundingPoly.Vertices
		if len(vertices) == 0 {
			continue
		}
		minX, minY := vertices[0].X, vertices[0].Y
		maxX, maxY := minX, minY
		for _, v := range vertices[1:] {
			if v.X < minX {
				minX = v.X
			}
			if v.X > maxX {
				maxX = v.X
			}
			if v.Y < minY {
				minY = v.Y
			}
			if v.Y > maxY {
				maxY = v.Y
			}
		}
		boxes = append(boxes, FaceBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY})
	}
	return boxes, nil
}
