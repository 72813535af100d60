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
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/tenant"
)

// DynamoAPI is the part of *dynamodb.Client used by the DynamoDB reader and updater.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// NewDynamoClient builds a DynamoDB client from the shared AWS options.
func NewDynamoClient(ctx context.Context, opts AWSOptions) (*dynamodb.Client, error) {
	cfg, err := createAWSConfig(ctx, opts)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "create_aws_config", Err: err}
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
	}), nil
}

// DynamoQuery is the query type of DynamoReader.
//
// With Key set, FindOne is a GetItem. With KeyCondition set, reads Query the table or
// Index. Otherwise the table is scanned. Params whose name starts with ':' are merged
// into Values, overriding them.
type DynamoQuery struct {
	Table        string                 `json:"table" yaml:"table"`
	Key          map[string]interface{} `json:"key,omitempty" yaml:"key,omitempty"`
	KeyCondition string                 `json:"keyCondition,omitempty" yaml:"key_condition,omitempty"`
	Filter       string                 `json:"filter,omitempty" yaml:"filter,omitempty"`
	Values       map[string]interface{} `json:"values,omitempty" yaml:"values,omitempty"`
	Names        map[string]string      `json:"names,omitempty" yaml:"names,omitempty"`
	Index        string                 `json:"index,omitempty" yaml:"index,omitempty"`
	Descending   bool                   `json:"descending,omitempty" yaml:"descending,omitempty"`
}

func (q DynamoQuery) expressionValues(params gopersist.Params) (map[string]types.AttributeValue, error) {
	values := make(map[string]interface{}, len(q.Values))
	for k, v := range q.Values {
		values[k] = v
	}
	for k, v := range params {
		if strings.HasPrefix(k, ":") {
			values[k] = v
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	return attributevalue.MarshalMap(values)
}

func (q DynamoQuery) queryInput(values map[string]types.AttributeValue, limit int32) *dynamodb.QueryInput {
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(q.Table),
		KeyConditionExpression:    aws.String(q.KeyCondition),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(!q.Descending),
	}
	if q.Filter != "" {
		input.FilterExpression = aws.String(q.Filter)
	}
	if len(q.Names) > 0 {
		input.ExpressionAttributeNames = q.Names
	}
	if q.Index != "" {
		input.IndexName = aws.String(q.Index)
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}
	return input
}

func (q DynamoQuery) scanInput(values map[string]types.AttributeValue, limit int32) *dynamodb.ScanInput {
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(q.Table),
		ExpressionAttributeValues: values,
	}
	if q.Filter != "" {
		input.FilterExpression = aws.String(q.Filter)
	}
	if len(q.Names) > 0 {
		input.ExpressionAttributeNames = q.Names
	}
	if q.Index != "" {
		input.IndexName = aws.String(q.Index)
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}
	return input
}

// DynamoReader implements gopersist.GeneralReader on DynamoDB tables.
type DynamoReader struct {
	provider tenant.ConnectionProvider[DynamoAPI]
	logger   *zap.Logger
}

var _ gopersist.GeneralReader[DynamoQuery] = (*DynamoReader)(nil)

func NewDynamoReader(provider tenant.ConnectionProvider[DynamoAPI], opts ...Option) *DynamoReader {
	o := newOptions(opts)
	return &DynamoReader{provider: provider, logger: o.logger}
}

// FindOne uses GetItem when the query names a key, otherwise the first matching item.
func (r *DynamoReader) FindOne(ctx context.Context, query DynamoQuery, params gopersist.Params) (gopersist.Record, error) {
	if len(query.Key) == 0 {
		src, err := r.source(ctx, query, params, 0)
		if err != nil {
			return nil, err
		}
		return FirstOrNil(drain(ctx, src, 1))
	}

	client, err := r.provider.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	key, err := attributevalue.MarshalMap(query.Key)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "dynamodb_key", Err: err}
	}
	out, err := client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(query.Table), Key: key})
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "get_item", Err: err}
	}
	if out.Item == nil {
		return nil, nil
	}
	return UnmarshalDynamoItem(out.Item)
}

func (r *DynamoReader) FindAll(ctx context.Context, query DynamoQuery, params gopersist.Params) ([]gopersist.Record, error) {
	src, err := r.source(ctx, query, params, 0)
	if err != nil {
		return nil, err
	}
	return drain(ctx, src, 0)
}

func (r *DynamoReader) FindPage(ctx context.Context, req gopersist.PageRequest, query DynamoQuery, params gopersist.Params) (*gopersist.Page, error) {
	return nil, gopersist.Unsupported("dynamodb", "find_page")
}

// FindBatch follows LastEvaluatedKey page by page; batchSize doubles as the page limit.
func (r *DynamoReader) FindBatch(ctx context.Context, batchSize int, query DynamoQuery, params gopersist.Params) (gopersist.RecordIterator, error) {
	if err := gopersist.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	src, err := r.source(ctx, query, params, int32(batchSize))
	if err != nil {
		return nil, err
	}
	return streamRecords(ctx, src, batchSize, gopersist.CursorOptions[gopersist.Record]{})
}

// Count issues Select=COUNT requests and sums the per-page counts.
func (r *DynamoReader) Count(ctx context.Context, query DynamoQuery, params gopersist.Params) (int64, error) {
	client, err := r.provider.GetConnection(ctx)
	if err != nil {
		return 0, err
	}
	values, err := query.expressionValues(params)
	if err != nil {
		return 0, &gopersist.ConfigurationError{Op: "dynamodb_values", Err: err}
	}

	var total int64
	if query.KeyCondition != "" {
		input := query.queryInput(values, 0)
		input.Select = types.SelectCount
		pager := dynamodb.NewQueryPaginator(client, input)
		for pager.HasMorePages() {
			out, err := pager.NextPage(ctx)
			if err != nil {
				return 0, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "count", Err: err}
			}
			total += int64(out.Count)
		}
		return total, nil
	}

	input := query.scanInput(values, 0)
	input.Select = types.SelectCount
	pager := dynamodb.NewScanPaginator(client, input)
	for pager.HasMorePages() {
		out, err := pager.NextPage(ctx)
		if err != nil {
			return 0, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "count", Err: err}
		}
		total += int64(out.Count)
	}
	return total, nil
}

func (r *DynamoReader) Distinct(ctx context.Context, query DynamoQuery, params gopersist.Params) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("dynamodb", "distinct")
}

func (r *DynamoReader) source(ctx context.Context, query DynamoQuery, params gopersist.Params, limit int32) (*dynamoSource, error) {
	if query.Table == "" {
		return nil, &gopersist.ConfigurationError{Op: "dynamodb_query", Err: fmt.Errorf("table is required")}
	}
	client, err := r.provider.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	values, err := query.expressionValues(params)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "dynamodb_values", Err: err}
	}

	if query.KeyCondition != "" {
		pager := dynamodb.NewQueryPaginator(client, query.queryInput(values, limit))
		return &dynamoSource{
			hasMore: pager.HasMorePages,
			next: func(ctx context.Context) ([]map[string]types.AttributeValue, error) {
				out, err := pager.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				return out.Items, nil
			},
		}, nil
	}

	r.logger.Debug("scanning dynamodb table", zap.String("table", query.Table))
	pager := dynamodb.NewScanPaginator(client, query.scanInput(values, limit))
	return &dynamoSource{
		hasMore: pager.HasMorePages,
		next: func(ctx context.Context) ([]map[string]types.AttributeValue, error) {
			out, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			return out.Items, nil
		},
	}, nil
}

// dynamoSource flattens a query or scan paginator into a record source.
type dynamoSource struct {
	hasMore func() bool
	next    func(ctx context.Context) ([]map[string]types.AttributeValue, error)
	page    []map[string]types.AttributeValue
	pos     int
}

func (s *dynamoSource) Read(ctx context.Context) (gopersist.Record, error) {
	for s.pos >= len(s.page) {
		if !s.hasMore() {
			return nil, io.EOF
		}
		items, err := s.next(ctx)
		if err != nil {
			return nil, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "next_page", Err: err}
		}
		s.page, s.pos = items, 0
	}
	item := s.page[s.pos]
	s.pos++
	return UnmarshalDynamoItem(item)
}

func (s *dynamoSource) Close() error {
	s.page = nil
	return nil
}

// UnmarshalDynamoItem converts a DynamoDB item into a record. Numbers become float64.
func UnmarshalDynamoItem(item map[string]types.AttributeValue) (gopersist.Record, error) {
	var record map[string]interface{}
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, &gopersist.TransformError{Op: "decode", Err: err}
	}
	return record, nil
}

// FirstOrNil adapts a (records, err) result to its first record.
func FirstOrNil(records []gopersist.Record, err error) (gopersist.Record, error) {
	if err != nil {
		return nil, err
	}
	return gopersist.FirstOf(records), nil
}
