//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of GoPersist.
//
// GoPersist is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// GoPersist is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with GoPersist. If not, see https://www.gnu.org/licenses/.

package writers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
	"github.com/aaronlmathis/gopersist/readers"
	"github.com/aaronlmathis/gopersist/transform"
)

// RestAppender sends one request per record through a RestReader.
type RestAppender struct {
	reader *readers.RestReader
	logger *zap.Logger
}

var _ gopersist.GeneralAppender[readers.RestInstruction] = (*RestAppender)(nil)

// NewRestAppender creates an appender that shares reader's client and template engine.
func NewRestAppender(reader *readers.RestReader, opts ...Option) (*RestAppender, error) {
	if reader == nil {
		return nil, &gopersist.ConfigurationError{Op: "rest_appender", Err: errors.New("rest reader is required")}
	}
	o := newOptions(opts)
	return &RestAppender{reader: reader, logger: o.logger}, nil
}

// Create builds the payload, renders the instruction against record and calls the API.
//
// When wi has a Transformer its output, serialized as JSON, becomes the payload.
// With SkipCallOnNullPayload set and no payload, no call is made and record is returned.
// The result is the first extracted response record, or record itself when wi has no Extraction.
func (a *RestAppender) Create(ctx context.Context, record gopersist.Record, wi readers.RestInstruction) (gopersist.Record, error) {
	if wi.Transformer != nil {
		payload, err := a.payload(ctx, record, *wi.Transformer)
		if err != nil {
			return nil, err
		}
		wi.Request.Payload = payload
		wi.Request.PayloadObject = nil
		wi.Transformer = nil
	}
	if wi.SkipCallOnNullPayload && wi.Request.Payload == "" && wi.Request.PayloadObject == nil {
		a.logger.Debug("skipping call with empty payload", zap.String("url", wi.Request.URL))
		return record, nil
	}

	wi, err := gopersist.ProcessWriteInstruction(a.reader.Templates(), record, wi)
	if err != nil {
		return nil, err
	}

	resp, err := a.reader.Call(ctx, wi.Request, wi.Auth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &gopersist.ConnectivityError{Backend: "rest", Op: "status", Err: fmt.Errorf(
			"status code: %d, status: %s, body: %s", resp.StatusCode, resp.Status, string(resp.Body))}
	}
	if wi.Extraction == nil || len(resp.Body) == 0 {
		return record, nil
	}
	records, err := readers.ExtractRecords(resp.Body, *wi.Extraction)
	if err != nil {
		return nil, err
	}
	return gopersist.FirstOf(records), nil
}

// CreateAll calls Create for each record and stops at the first failure.
func (a *RestAppender) CreateAll(ctx context.Context, records []gopersist.Record, wi readers.RestInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, a.Create)
}

func (a *RestAppender) payload(ctx context.Context, record gopersist.Record, spec transform.Spec) (string, error) {
	transformer, err := transform.New(spec, transform.WithTemplateEngine(a.reader.Templates()), transform.WithLogger(a.logger))
	if err != nil {
		return "", err
	}
	converted, err := transformer.Convert(ctx, record)
	if err != nil {
		return "", err
	}
	if converted == nil {
		return "", nil
	}
	data, err := engine.JSON.Marshal(converted)
	if err != nil {
		return "", &gopersist.TransformError{Op: "encode", Err: err}
	}
	return string(data), nil
}
