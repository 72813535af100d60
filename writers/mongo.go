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
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
	"github.com/aaronlmathis/gopersist/readers"
	"github.com/aaronlmathis/gopersist/tenant"
)

// MongoWriteInstruction selects the target collection and, for Update, an explicit
// update document. With Template set it is rendered against each record first.
type MongoWriteInstruction struct {
	gopersist.TemplatisedWriteInstruction `yaml:",inline"`

	Collection string                 `json:"collection,omitempty" yaml:"collection,omitempty"`
	Document   map[string]interface{} `json:"document,omitempty" yaml:"document,omitempty"`
}

// MongoUpdater writes documents addressed by _id. Hex string ids are converted to
// ObjectIDs before they reach the driver.
type MongoUpdater struct {
	provider          tenant.ConnectionProvider[readers.MongoDatabase]
	defaultCollection string
	templates         *engine.TemplateEngine
	logger            *zap.Logger
}

var _ gopersist.GeneralUpdater[readers.MongoQuery, MongoWriteInstruction] = (*MongoUpdater)(nil)

// NewMongoUpdater creates a document updater. defaultCollection is used when an
// instruction names none.
func NewMongoUpdater(provider tenant.ConnectionProvider[readers.MongoDatabase], defaultCollection string, opts ...Option) (*MongoUpdater, error) {
	if provider == nil {
		return nil, &gopersist.ConfigurationError{Op: "mongo_updater", Err: errors.New("connection provider is required")}
	}
	o := newOptions(opts)
	return &MongoUpdater{
		provider:          provider,
		defaultCollection: defaultCollection,
		templates:         o.templates,
		logger:            o.logger,
	}, nil
}

func (m *MongoUpdater) collection(ctx context.Context, record gopersist.Record, wi MongoWriteInstruction) (MongoWriteInstruction, readers.MongoCollection, error) {
	wi, err := gopersist.ProcessWriteInstruction(m.templates, record, wi)
	if err != nil {
		return wi, nil, err
	}
	name := wi.Collection
	if name == "" {
		name = m.defaultCollection
	}
	if name == "" {
		return wi, nil, &gopersist.ConfigurationError{Op: "mongo_write", Err: errors.New("collection is required")}
	}
	db, err := m.provider.GetConnection(ctx)
	if err != nil {
		return wi, nil, err
	}
	return wi, db.Collection(name), nil
}

// Create inserts record and returns it with the generated _id when it had none.
func (m *MongoUpdater) Create(ctx context.Context, record gopersist.Record, wi MongoWriteInstruction) (gopersist.Record, error) {
	_, coll, err := m.collection(ctx, record, wi)
	if err != nil {
		return nil, err
	}
	res, err := coll.InsertOne(ctx, toDocument(record))
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "insert_one", Err: err}
	}
	out := record.Copy()
	if out == nil {
		out = gopersist.Record{}
	}
	out["_id"] = readers.ConvertBSONValue(res.InsertedID)
	return out, nil
}

// CreateAll inserts records with one InsertMany per target collection.
func (m *MongoUpdater) CreateAll(ctx context.Context, records []gopersist.Record, wi MongoWriteInstruction) ([]gopersist.Record, error) {
	if len(records) == 0 {
		return records, nil
	}
	if wi.IsTemplate() {
		out := make([]gopersist.Record, 0, len(records))
		for _, record := range records {
			created, err := m.Create(ctx, record, wi)
			if err != nil {
				return nil, err
			}
			out = append(out, created)
		}
		return out, nil
	}

	_, coll, err := m.collection(ctx, nil, wi)
	if err != nil {
		return nil, err
	}
	docs := make([]interface{}, len(records))
	for i, record := range records {
		docs[i] = toDocument(record)
	}
	res, err := coll.InsertMany(ctx, docs)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "insert_many", Err: err}
	}
	out := make([]gopersist.Record, len(records))
	for i, record := range records {
		out[i] = record.Copy()
		if out[i] == nil {
			out[i] = gopersist.Record{}
		}
		if i < len(res.InsertedIDs) {
			out[i]["_id"] = readers.ConvertBSONValue(res.InsertedIDs[i])
		}
	}
	m.logger.Debug("inserted documents", zap.Int("count", len(out)))
	return out, nil
}

// Replace swaps the document with record's _id for record. A missing document is not created.
func (m *MongoUpdater) Replace(ctx context.Context, record gopersist.Record, wi MongoWriteInstruction) (gopersist.Record, error) {
	return m.replace(ctx, record, wi, false)
}

// ReplaceAll replaces each record in turn.
func (m *MongoUpdater) ReplaceAll(ctx context.Context, records []gopersist.Record, wi MongoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, m.Replace)
}

// CreateOrReplace replaces the document with record's _id, inserting it when absent.
func (m *MongoUpdater) CreateOrReplace(ctx context.Context, record gopersist.Record, wi MongoWriteInstruction) (gopersist.Record, error) {
	return m.replace(ctx, record, wi, true)
}

// CreateOrReplaceAll upserts each record in turn.
func (m *MongoUpdater) CreateOrReplaceAll(ctx context.Context, records []gopersist.Record, wi MongoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, m.CreateOrReplace)
}

func (m *MongoUpdater) replace(ctx context.Context, record gopersist.Record, wi MongoWriteInstruction, upsert bool) (gopersist.Record, error) {
	filter, err := idFilter(record)
	if err != nil {
		return nil, err
	}
	_, coll, err := m.collection(ctx, record, wi)
	if err != nil {
		return nil, err
	}
	opts := options.FindOneAndReplace().SetUpsert(upsert).SetReturnDocument(options.After)
	return decodeSingle(coll.FindOneAndReplace(ctx, filter, toDocument(record), opts), "find_one_and_replace")
}

// Update applies wi.Document to the document with record's _id, or $set of every other
// field of record when wi has no document. Returns the updated document, nil if none matched.
func (m *MongoUpdater) Update(ctx context.Context, record gopersist.Record, wi MongoWriteInstruction) (gopersist.Record, error) {
	filter, err := idFilter(record)
	if err != nil {
		return nil, err
	}
	wi, coll, err := m.collection(ctx, record, wi)
	if err != nil {
		return nil, err
	}

	var update interface{}
	if wi.Document != nil {
		update = bson.M(wi.Document)
	} else {
		fields := toDocument(record)
		delete(fields, "_id")
		update = bson.M{"$set": fields}
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return decodeSingle(coll.FindOneAndUpdate(ctx, filter, update, opts), "find_one_and_update")
}

// UpdateAll updates each record in turn.
func (m *MongoUpdater) UpdateAll(ctx context.Context, records []gopersist.Record, wi MongoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, m.Update)
}

// Delete removes the document with record's _id and returns it.
func (m *MongoUpdater) Delete(ctx context.Context, record gopersist.Record, wi MongoWriteInstruction) (gopersist.Record, error) {
	filter, err := idFilter(record)
	if err != nil {
		return nil, err
	}
	_, coll, err := m.collection(ctx, record, wi)
	if err != nil {
		return nil, err
	}
	return decodeSingle(coll.FindOneAndDelete(ctx, filter), "find_one_and_delete")
}

// DeleteByID removes the document with id and returns it.
func (m *MongoUpdater) DeleteByID(ctx context.Context, id string, wi MongoWriteInstruction) (gopersist.Record, error) {
	return m.Delete(ctx, gopersist.Record{"_id": id}, wi)
}

// DeleteAll deletes each record in turn and returns the removed documents.
func (m *MongoUpdater) DeleteAll(ctx context.Context, records []gopersist.Record, wi MongoWriteInstruction) ([]gopersist.Record, error) {
	return eachRecord(ctx, records, wi, m.Delete)
}

// UpdateOne applies fields to the document with id. fields is used as the update document
// when it holds operators ($set, $inc, ...), otherwise it is wrapped in $set.
func (m *MongoUpdater) UpdateOne(ctx context.Context, id string, fields gopersist.Record, wi MongoWriteInstruction) (gopersist.Record, error) {
	_, coll, err := m.collection(ctx, fields, wi)
	if err != nil {
		return nil, err
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return decodeSingle(coll.FindOneAndUpdate(ctx, bson.M{"_id": toObjectID(id)}, updateDocument(fields), opts), "find_one_and_update")
}

// UpdateMany applies fields to every document matching the find filter of query and
// returns the modified count.
func (m *MongoUpdater) UpdateMany(ctx context.Context, query readers.MongoQuery, fields gopersist.Record, wi MongoWriteInstruction) (int64, error) {
	if query.Mode != "" && query.Mode != readers.ModeFind {
		return 0, &gopersist.ConfigurationError{Op: "mongo_update_many", Err: fmt.Errorf("query mode %q has no filter", query.Mode)}
	}
	if wi.Collection == "" {
		wi.Collection = query.Collection
	}
	_, coll, err := m.collection(ctx, fields, wi)
	if err != nil {
		return 0, err
	}
	filter := bson.M{}
	if query.Find != nil && query.Find.Filter != nil {
		filter = query.Find.Filter
	}
	res, err := coll.UpdateMany(ctx, filter, updateDocument(fields))
	if err != nil {
		return 0, &gopersist.ConnectivityError{Backend: "mongo", Op: "update_many", Err: err}
	}
	return res.ModifiedCount, nil
}

func eachRecord[WI any](ctx context.Context, records []gopersist.Record, wi WI, fn func(context.Context, gopersist.Record, WI) (gopersist.Record, error)) ([]gopersist.Record, error) {
	out := make([]gopersist.Record, 0, len(records))
	for _, record := range records {
		res, err := fn(ctx, record, wi)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func idFilter(record gopersist.Record) (bson.M, error) {
	id, ok := record["_id"]
	if !ok || id == nil {
		return nil, &gopersist.ConfigurationError{Op: "mongo_write", Err: fmt.Errorf("missing field '_id': %w", gopersist.ErrMissingID)}
	}
	return bson.M{"_id": toObjectID(id)}, nil
}

// toObjectID converts 24-character hex strings to ObjectIDs; other ids pass through.
func toObjectID(id interface{}) interface{} {
	s, ok := id.(string)
	if !ok || len(s) != 24 {
		return id
	}
	if oid, err := primitive.ObjectIDFromHex(s); err == nil {
		return oid
	}
	return id
}

func toDocument(record gopersist.Record) bson.M {
	doc := make(bson.M, len(record))
	for k, v := range record {
		doc[k] = v
	}
	if id, ok := doc["_id"]; ok {
		doc["_id"] = toObjectID(id)
	}
	return doc
}

func updateDocument(fields gopersist.Record) bson.M {
	for k := range fields {
		if strings.HasPrefix(k, "$") {
			return bson.M(fields)
		}
	}
	return bson.M{"$set": bson.M(fields)}
}

func decodeSingle(res *mongo.SingleResult, op string) (gopersist.Record, error) {
	var doc bson.M
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: op, Err: err}
	}
	return readers.ConvertBSONDocument(doc), nil
}
