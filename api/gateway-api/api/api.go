// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_api

import (
	"encoding/base64"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vincent-petithory/dataurl"

	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

// RenderError writes err to the response in the service error shape
// {kind, message, retry_after_ms?} with the kind's mapped status code.
func RenderError(c *gin.Context, logger commons.Logger, err error) {
	svcErr := commons.AsServiceError(err)
	if svcErr.HTTPStatus() >= 500 {
		logger.Errorw("request failed", "path", c.FullPath(), "kind", svcErr.Kind, "error", err)
	} else {
		logger.Debugw("request rejected", "path", c.FullPath(), "kind", svcErr.Kind)
	}
	c.JSON(svcErr.HTTPStatus(), svcErr)
}

// DecodeImagePayload accepts the two encodings browsers send: a data URL
// (canvas.toDataURL) or a bare base64 string.
func DecodeImagePayload(value string) ([]byte, error) {
	if utils.IsEmpty(value) {
		return nil, commons.BadRequest("image payload is required")
	}
	if strings.HasPrefix(value, "data:") {
		du, err := dataurl.DecodeString(value)
		if err != nil {
			return nil, commons.BadRequest("malformed image data URL")
		}
		return du.Data, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, commons.BadRequest("malformed base64 image payload")
	}
	return raw, nil
}
