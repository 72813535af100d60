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

package readers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
	"github.com/aaronlmathis/gopersist/pagination"
	"github.com/aaronlmathis/gopersist/transform"
)

const maskedHeader = "XXXXXXXXXXXX"

// ResponseType says where the records sit in a JSON response.
type ResponseType string

const (
	ResponseMap                ResponseType = "map"
	ResponseListOfMap          ResponseType = "list_of_map"
	ResponseMapInsideMap       ResponseType = "map_inside_map"
	ResponseListOfMapInsideMap ResponseType = "list_of_map_inside_map"
)

// RestPagination selects the FindBatch strategy.
type RestPagination string

const (
	PaginationOffsetLimit RestPagination = "offset_limit"
	PaginationPageBased   RestPagination = "page_based"
)

// RestRequest describes one HTTP call. URL and QueryParams may reference call params
// and pagination variables, e.g. "offset={{.offset}}&limit={{.limit}}".
type RestRequest struct {
	Method        string                 `json:"method,omitempty" yaml:"method,omitempty"`
	URL           string                 `json:"url" yaml:"url"`
	QueryParams   string                 `json:"queryParams,omitempty" yaml:"queryParams,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty" yaml:"headers,omitempty"`
	Payload       string                 `json:"payload,omitempty" yaml:"payload,omitempty"`
	PayloadObject map[string]interface{} `json:"payloadObject,omitempty" yaml:"payloadObject,omitempty"`
}

// RestAuth adds credentials to every request of an instruction.
type RestAuth struct {
	Type       string `json:"type" yaml:"type"` // "bearer", "basic" or "apikey"
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	HeaderName string `json:"headerName,omitempty" yaml:"headerName,omitempty"`
}

// RestExtraction locates the records in the response payload.
type RestExtraction struct {
	ResponseType       ResponseType `json:"responseType" yaml:"responseType"`
	AttributeToExtract string       `json:"attributeToExtract,omitempty" yaml:"attributeToExtract,omitempty"`
}

// RestCount reads a total from a response header, or from the payload when FromPayload is set.
// Request defaults to the instruction's own request.
type RestCount struct {
	Request            *RestRequest `json:"request,omitempty" yaml:"request,omitempty"`
	FromPayload        bool         `json:"fromPayload,omitempty" yaml:"fromPayload,omitempty"`
	AttributeToExtract string       `json:"attributeToExtract" yaml:"attributeToExtract"`
}

// RestInstruction is both the query and the write instruction of the REST backend.
type RestInstruction struct {
	gopersist.TemplatisedWriteInstruction `yaml:",inline"`

	Request               RestRequest     `json:"request" yaml:"request"`
	Extraction            *RestExtraction `json:"extraction,omitempty" yaml:"extraction,omitempty"`
	Count                 *RestCount      `json:"count,omitempty" yaml:"count,omitempty"`
	Pagination            RestPagination  `json:"pagination,omitempty" yaml:"pagination,omitempty"`
	Auth                  *RestAuth       `json:"auth,omitempty" yaml:"auth,omitempty"`
	Transformer           *transform.Spec `json:"transformer,omitempty" yaml:"transformer,omitempty"`
	SkipCallOnNullPayload bool            `json:"skipCallOnNullPayload,omitempty" yaml:"skipCallOnNullPayload,omitempty"`
}

// RestResponse is a completed call.
type RestResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// RestReader reads records from HTTP JSON APIs. Requests are never retried.
type RestReader struct {
	client    *http.Client
	templates *engine.TemplateEngine
	logger    *zap.Logger
}

var _ gopersist.GeneralReader[RestInstruction] = (*RestReader)(nil)

// NewRestReader creates a REST reader. A nil client gets a 30 second timeout.
func NewRestReader(client *http.Client, opts ...Option) *RestReader {
	o := newOptions(opts)
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RestReader{client: client, templates: o.templates, logger: o.logger}
}

// Templates returns the engine used for URL and write instruction templates.
func (r *RestReader) Templates() *engine.TemplateEngine {
	return r.templates
}

// FindOne returns the first extracted record, or nil.
func (r *RestReader) FindOne(ctx context.Context, query RestInstruction, params gopersist.Params) (gopersist.Record, error) {
	records, err := r.FindAll(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return gopersist.FirstOf(records), nil
}

// FindAll calls the API once and extracts the records. Without an Extraction the result is empty.
func (r *RestReader) FindAll(ctx context.Context, query RestInstruction, params gopersist.Params) ([]gopersist.Record, error) {
	if len(params) > 0 {
		rendered, err := r.renderRequests(query, params)
		if err != nil {
			return nil, err
		}
		query = rendered
	}

	resp, err := r.Call(ctx, query.Request, query.Auth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &gopersist.ConnectivityError{Backend: "rest", Op: "status", Err: fmt.Errorf(
			"status code: %d, status: %s, body: %s", resp.StatusCode, resp.Status, string(resp.Body))}
	}
	if query.Extraction == nil {
		return []gopersist.Record{}, nil
	}
	return ExtractRecords(resp.Body, *query.Extraction)
}

// FindPage is not supported.
func (r *RestReader) FindPage(ctx context.Context, req gopersist.PageRequest, query RestInstruction, params gopersist.Params) (*gopersist.Page, error) {
	return nil, gopersist.Unsupported("rest", "find_page")
}

// FindBatch pages through the API with offset/limit variables, or pageNum/pageSize
// variables when Pagination is page_based.
func (r *RestReader) FindBatch(ctx context.Context, batchSize int, query RestInstruction, params gopersist.Params) (gopersist.RecordIterator, error) {
	var (
		it  *pagination.GenericBatchIterator[RestInstruction]
		err error
	)
	switch query.Pagination {
	case PaginationPageBased:
		it, err = pagination.NewPageBased[RestInstruction](ctx, r, query, params, batchSize, r.renderRequests)
	case PaginationOffsetLimit, "":
		it, err = pagination.NewOffsetLimit[RestInstruction](r, query, params, batchSize, r.renderRequests)
	default:
		err = &gopersist.ConfigurationError{Op: "rest_find_batch", Err: fmt.Errorf("unknown pagination %q", query.Pagination)}
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Count reads the total from a header (case-insensitive) or a dotted payload path.
func (r *RestReader) Count(ctx context.Context, query RestInstruction, params gopersist.Params) (int64, error) {
	if query.Count == nil {
		return 0, &gopersist.ConfigurationError{Op: "rest_count", Err: errors.New("count instruction is required")}
	}
	if len(params) > 0 {
		rendered, err := r.renderRequests(query, params)
		if err != nil {
			return 0, err
		}
		query = rendered
	}

	req := query.Request
	if query.Count.Request != nil {
		req = *query.Count.Request
	}
	resp, err := r.Call(ctx, req, query.Auth)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &gopersist.ConnectivityError{Backend: "rest", Op: "status", Err: fmt.Errorf("status code: %d", resp.StatusCode)}
	}

	attr := query.Count.AttributeToExtract
	var raw interface{}
	if query.Count.FromPayload {
		var payload map[string]interface{}
		if err := engine.JSON.Unmarshal(resp.Body, &payload); err != nil {
			return 0, &gopersist.TransformError{Op: "decode", Err: err}
		}
		raw, err = extractPath(payload, attr)
		if err != nil {
			return 0, &gopersist.TransformError{Op: "extract", Err: err}
		}
	} else {
		// Header.Get canonicalizes, which makes the lookup case-insensitive.
		value := resp.Header.Get(attr)
		if value == "" {
			return 0, &gopersist.TransformError{Op: "extract", Err: fmt.Errorf("header %s not present", attr)}
		}
		raw = value
	}

	n, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(raw)), 10, 64)
	if err != nil {
		if f, ok := raw.(float64); ok {
			return int64(f), nil
		}
		return 0, &gopersist.TransformError{Op: "extract", Err: fmt.Errorf("count %v is not a number", raw)}
	}
	return n, nil
}

// Distinct is not supported.
func (r *RestReader) Distinct(ctx context.Context, query RestInstruction, params gopersist.Params) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("rest", "distinct")
}

// Call executes one request and reads the whole body.
func (r *RestReader) Call(ctx context.Context, req RestRequest, auth *RestAuth) (*RestResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := req.URL
	if req.QueryParams != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + req.QueryParams
	}

	payload := req.Payload
	if req.PayloadObject != nil {
		data, err := engine.JSON.Marshal(req.PayloadObject)
		if err != nil {
			return nil, &gopersist.TransformError{Op: "encode", Err: err}
		}
		payload = string(data)
	}
	var body io.Reader
	if payload != "" {
		body = strings.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "rest_request", Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if payload != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if err := applyAuth(httpReq, auth); err != nil {
		return nil, &gopersist.ConfigurationError{Op: "rest_auth", Err: err}
	}

	r.logger.Info("calling API",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.String("query_params", req.QueryParams),
		zap.Any("headers", maskHeaders(req.Headers)))

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "rest", Op: "request", Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "rest", Op: "read_response", Err: err}
	}
	r.logger.Debug("API response", zap.Int("status", resp.StatusCode), zap.Int("bytes", buf.Len()))

	return &RestResponse{StatusCode: resp.StatusCode, Status: resp.Status, Header: resp.Header, Body: buf.Bytes()}, nil
}

// renderRequests returns a copy of query whose URLs and query strings are rendered against vars.
func (r *RestReader) renderRequests(query RestInstruction, vars map[string]interface{}) (RestInstruction, error) {
	out := query
	req, err := r.renderRequest(query.Request, vars)
	if err != nil {
		return query, err
	}
	out.Request = req
	if query.Count != nil && query.Count.Request != nil {
		countReq, err := r.renderRequest(*query.Count.Request, vars)
		if err != nil {
			return query, err
		}
		count := *query.Count
		count.Request = &countReq
		out.Count = &count
	}
	return out, nil
}

func (r *RestReader) renderRequest(req RestRequest, vars map[string]interface{}) (RestRequest, error) {
	out := req
	for _, field := range []*string{&out.URL, &out.QueryParams} {
		if !strings.Contains(*field, "{{") {
			continue
		}
		rendered, err := r.templates.Render(*field, vars)
		if err != nil {
			return req, &gopersist.TransformError{Op: "template", Err: err}
		}
		*field = rendered
	}
	return out, nil
}

// applyAuth adds authentication to the request
func applyAuth(req *http.Request, auth *RestAuth) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "apikey":
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, auth.Token)
	default:
		return fmt.Errorf("unsupported auth type: %s", auth.Type)
	}
	return nil
}

// maskHeaders copies headers for logging with the Authorization value hidden.
func maskHeaders(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(strings.TrimSpace(k), "authorization") {
			v = maskedHeader
		}
		masked[k] = v
	}
	return masked
}

// ExtractRecords decodes a JSON response body and pulls out the records extraction points at.
func ExtractRecords(body []byte, extraction RestExtraction) ([]gopersist.Record, error) {
	var payload interface{}
	if err := engine.JSON.Unmarshal(body, &payload); err != nil {
		return nil, &gopersist.TransformError{Op: "decode", Err: err}
	}

	target := payload
	switch extraction.ResponseType {
	case ResponseMap, ResponseListOfMap:
	case ResponseMapInsideMap, ResponseListOfMapInsideMap:
		obj, ok := payload.(map[string]interface{})
		if !ok {
			return nil, &gopersist.TransformError{Op: "extract", Err: fmt.Errorf("expected a JSON object, got %T", payload)}
		}
		extracted, err := extractPath(obj, extraction.AttributeToExtract)
		if err != nil {
			return nil, &gopersist.TransformError{Op: "extract", Err: err}
		}
		target = extracted
	default:
		return nil, &gopersist.ConfigurationError{Op: "rest_extraction", Err: fmt.Errorf("unknown response type %q", extraction.ResponseType)}
	}

	records, err := toRecords(target)
	if err != nil {
		return nil, &gopersist.TransformError{Op: "extract", Err: err}
	}
	return records, nil
}

// extractPath follows a dotted path through nested objects.
func extractPath(data map[string]interface{}, path string) (interface{}, error) {
	if path == "" {
		return nil, errors.New("attribute to extract is required")
	}
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot traverse path %s: expected object", part)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("path element %s not found", part)
		}
	}
	return current, nil
}

func toRecords(data interface{}) ([]gopersist.Record, error) {
	switch v := data.(type) {
	case nil:
		return []gopersist.Record{}, nil
	case []interface{}:
		records := make([]gopersist.Record, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("expected array of objects, found %T", item)
			}
			records = append(records, gopersist.Record(obj))
		}
		return records, nil
	case map[string]interface{}:
		return []gopersist.Record{gopersist.Record(v)}, nil
	default:
		return nil, fmt.Errorf("unexpected response format: %T", data)
	}
}
