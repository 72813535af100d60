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
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/readers"
	"github.com/aaronlmathis/gopersist/tenant"
)

const defaultDynamoKeyField = "id"

// DynamoWriteInstruction names the table and the record fields forming the primary key.
// KeyFields defaults to ["id"].
type DynamoWriteInstruction struct {
	Table     string   `json:"table" yaml:"table"`
	KeyFields []string `json:"keyFields,omitempty" yaml:"key_fields,omitempty"`
}

func (wi DynamoWriteInstruction) keyFields() []string {
	if len(wi.KeyFields) == 0 {
		return []string{defaultDynamoKeyField}
	}
	return wi.KeyFields
}

// DynamoUpdater writes records as DynamoDB items.
//
// Create refuses to overwrite an existing item, CreateOrReplace always puts,
// Replace and Update only touch items that exist and return nil when none does.
type DynamoUpdater struct {
	provider tenant.ConnectionProvider[readers.DynamoAPI]
	reader   *readers.DynamoReader
	logger   *zap.Logger
}

var _ gopersist.GeneralUpdater[readers.DynamoQuery, DynamoWriteInstruction] = (*DynamoUpdater)(nil)

// NewDynamoUpdater creates an updater. UpdateMany reads matching items through a
// DynamoReader sharing provider.
func NewDynamoUpdater(provider tenant.ConnectionProvider[readers.DynamoAPI], opts ...Option) (*DynamoUpdater, error) {
	if provider == nil {
		return nil, &gopersist.ConfigurationError{Op: "dynamodb_updater", Err: errors.New("connection provider is required")}
	}
	o := newOptions(opts)
	return &DynamoUpdater{
		provider: provider,
		reader:   readers.NewDynamoReader(provider, readers.WithLogger(o.logger)),
		logger:   o.logger,
	}, nil
}

func (d *DynamoUpdater) client(ctx context.Context, wi DynamoWriteInstruction) (readers.DynamoAPI, error) {
	if wi.Table == "" {
		return nil, &gopersist.ConfigurationError{Op: "dynamodb_write", Err: errors.New("table is required")}
	}
	return d.provider.GetConnection(ctx)
}

// Create puts record unless an item with the same key exists.
func (d *DynamoUpdater) Create(ctx context.Context, record gopersist.Record, wi DynamoWriteInstruction) (gopersist.Record, error) {
	return d.put(ctx, record, wi, "attribute_not_exists")
}

// CreateAll creates each record in turn.
func (d *DynamoUpdater) CreateAll(ctx context.Context, records []gopersist.Record, wi DynamoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, d.Create)
}

// Replace overwrites the item with record's key. Returns nil when there is none.
func (d *DynamoUpdater) Replace(ctx context.Context, record gopersist.Record, wi DynamoWriteInstruction) (gopersist.Record, error) {
	out, err := d.put(ctx, record, wi, "attribute_exists")
	if isConditionFailed(err) {
		return nil, nil
	}
	return out, err
}

// ReplaceAll replaces each record in turn.
func (d *DynamoUpdater) ReplaceAll(ctx context.Context, records []gopersist.Record, wi DynamoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, d.Replace)
}

// CreateOrReplace puts record unconditionally.
func (d *DynamoUpdater) CreateOrReplace(ctx context.Context, record gopersist.Record, wi DynamoWriteInstruction) (gopersist.Record, error) {
	return d.put(ctx, record, wi, "")
}

// CreateOrReplaceAll puts each record in turn.
func (d *DynamoUpdater) CreateOrReplaceAll(ctx context.Context, records []gopersist.Record, wi DynamoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, d.CreateOrReplace)
}

func (d *DynamoUpdater) put(ctx context.Context, record gopersist.Record, wi DynamoWriteInstruction, condition string) (gopersist.Record, error) {
	keyFields := wi.keyFields()
	if _, err := dynamoKey(record, keyFields); err != nil {
		return nil, err
	}
	client, err := d.client(ctx, wi)
	if err != nil {
		return nil, err
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, &gopersist.TransformError{Op: "encode", Err: err}
	}

	input := &dynamodb.PutItemInput{TableName: aws.String(wi.Table), Item: item}
	if condition != "" {
		input.ConditionExpression = aws.String(condition + "(#k0)")
		input.ExpressionAttributeNames = map[string]string{"#k0": keyFields[0]}
	}
	if _, err := client.PutItem(ctx, input); err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "put_item", Err: err}
	}
	return record, nil
}

// Update sets every non-key field of record on the existing item and returns the item.
func (d *DynamoUpdater) Update(ctx context.Context, record gopersist.Record, wi DynamoWriteInstruction) (gopersist.Record, error) {
	keyFields := wi.keyFields()
	key, err := dynamoKey(record, keyFields)
	if err != nil {
		return nil, err
	}
	fields := make(gopersist.Record, len(record))
	for k, v := range record {
		fields[k] = v
	}
	for _, k := range keyFields {
		delete(fields, k)
	}
	return d.update(ctx, key, keyFields[0], fields, wi)
}

// UpdateAll updates each record in turn.
func (d *DynamoUpdater) UpdateAll(ctx context.Context, records []gopersist.Record, wi DynamoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, d.Update)
}

// UpdateOne sets fields on the item whose single key field equals id.
func (d *DynamoUpdater) UpdateOne(ctx context.Context, id string, fields gopersist.Record, wi DynamoWriteInstruction) (gopersist.Record, error) {
	keyField, err := singleKeyField(wi, "update_one")
	if err != nil {
		return nil, err
	}
	key, err := dynamoKey(gopersist.Record{keyField: id}, []string{keyField})
	if err != nil {
		return nil, err
	}
	return d.update(ctx, key, keyField, fields, wi)
}

// UpdateMany sets fields on every item query finds and returns how many were updated.
func (d *DynamoUpdater) UpdateMany(ctx context.Context, query readers.DynamoQuery, fields gopersist.Record, wi DynamoWriteInstruction) (int64, error) {
	if wi.Table == "" {
		wi.Table = query.Table
	}
	items, err := d.reader.FindAll(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	keyFields := wi.keyFields()
	var n int64
	for _, item := range items {
		key, err := dynamoKey(item, keyFields)
		if err != nil {
			return n, err
		}
		updated, err := d.update(ctx, key, keyFields[0], fields, wi)
		if err != nil {
			return n, err
		}
		if updated != nil {
			n++
		}
	}
	d.logger.Debug("updated items", zap.String("table", wi.Table), zap.Int64("count", n))
	return n, nil
}

func (d *DynamoUpdater) update(ctx context.Context, key map[string]types.AttributeValue, keyField string, fields gopersist.Record, wi DynamoWriteInstruction) (gopersist.Record, error) {
	client, err := d.client(ctx, wi)
	if err != nil {
		return nil, err
	}
	expr, names, values, err := buildUpdateExpression(fields)
	if err != nil {
		return nil, err
	}
	names["#k0"] = keyField

	out, err := client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(wi.Table),
		Key:                       key,
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(#k0)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, nil
		}
		return nil, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "update_item", Err: err}
	}
	return readers.UnmarshalDynamoItem(out.Attributes)
}

// Delete removes the item with record's key and returns it, or nil when there was none.
func (d *DynamoUpdater) Delete(ctx context.Context, record gopersist.Record, wi DynamoWriteInstruction) (gopersist.Record, error) {
	key, err := dynamoKey(record, wi.keyFields())
	if err != nil {
		return nil, err
	}
	client, err := d.client(ctx, wi)
	if err != nil {
		return nil, err
	}
	out, err := client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(wi.Table),
		Key:          key,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "dynamodb", Op: "delete_item", Err: err}
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	return readers.UnmarshalDynamoItem(out.Attributes)
}

// DeleteByID deletes by a single-field key.
func (d *DynamoUpdater) DeleteByID(ctx context.Context, id string, wi DynamoWriteInstruction) (gopersist.Record, error) {
	keyField, err := singleKeyField(wi, "delete_by_id")
	if err != nil {
		return nil, err
	}
	return d.Delete(ctx, gopersist.Record{keyField: id}, wi)
}

// DeleteAll deletes each record in turn.
func (d *DynamoUpdater) DeleteAll(ctx context.Context, records []gopersist.Record, wi DynamoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, d.Delete)
}

func singleKeyField(wi DynamoWriteInstruction, op string) (string, error) {
	keyFields := wi.keyFields()
	if len(keyFields) != 1 {
		return "", &gopersist.ConfigurationError{Op: "dynamodb_" + op, Err: fmt.Errorf("a single key field is required, got %d", len(keyFields))}
	}
	return keyFields[0], nil
}

func dynamoKey(record gopersist.Record, keyFields []string) (map[string]types.AttributeValue, error) {
	key := make(map[string]interface{}, len(keyFields))
	for _, field := range keyFields {
		v, ok := record[field]
		if !ok || v == nil {
			return nil, &gopersist.ConfigurationError{Op: "dynamodb_key", Err: fmt.Errorf("missing key field '%s': %w", field, gopersist.ErrMissingID)}
		}
		key[field] = v
	}
	av, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "dynamodb_key", Err: err}
	}
	return av, nil
}

// buildUpdateExpression turns fields into "SET #f0 = :v0, #f1 = :v1" with the matching
// name and value maps. Fields are numbered in sorted order.
func buildUpdateExpression(fields gopersist.Record) (string, map[string]string, map[string]types.AttributeValue, error) {
	if len(fields) == 0 {
		return "", nil, nil, &gopersist.ConfigurationError{Op: "dynamodb_update", Err: errors.New("no fields to update")}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	names := make(map[string]string, len(keys)+1)
	values := make(map[string]types.AttributeValue, len(keys))
	for i, field := range keys {
		name, value := fmt.Sprintf("#f%d", i), fmt.Sprintf(":v%d", i)
		av, err := attributevalue.Marshal(fields[field])
		if err != nil {
			return "", nil, nil, &gopersist.TransformError{Op: "encode", Err: fmt.Errorf("field '%s': %w", field, err)}
		}
		clauses = append(clauses, name+" = "+value)
		names[name] = field
		values[value] = av
	}
	return "SET " + strings.Join(clauses, ", "), names, values, nil
}

func isConditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}
