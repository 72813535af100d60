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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/pagination"
	"github.com/aaronlmathis/gopersist/tenant"
)

// MongoReadMode defines how a MongoQuery is executed.
type MongoReadMode string

const (
	ModeFind      MongoReadMode = "find"
	ModeAggregate MongoReadMode = "aggregate"
	ModeCount     MongoReadMode = "count"
	ModeDistinct  MongoReadMode = "distinct"
)

// MongoFind is a find with optional projection and sort.
type MongoFind struct {
	Filter     bson.M `json:"filter,omitempty" yaml:"filter,omitempty"`
	Projection bson.M `json:"projection,omitempty" yaml:"projection,omitempty"`
	Sort       bson.D `json:"sort,omitempty" yaml:"sort,omitempty"`
}

// MongoDistinct selects the distinct values of Field among documents matching Filter.
type MongoDistinct struct {
	Field  string `json:"field" yaml:"field"`
	Filter bson.M `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// MongoQuery is the query of the document backend.
// With Template set, the JSON form of the query is rendered against the call params first.
type MongoQuery struct {
	Collection  string         `json:"collection" yaml:"collection"`
	Mode        MongoReadMode  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Find        *MongoFind     `json:"find,omitempty" yaml:"find,omitempty"`
	Pipeline    []bson.M       `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	CountFilter bson.M         `json:"countFilter,omitempty" yaml:"countFilter,omitempty"`
	Distinct    *MongoDistinct `json:"distinct,omitempty" yaml:"distinct,omitempty"`
	BatchSize   int32          `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	Template    bool           `json:"template,omitempty" yaml:"template,omitempty"`
}

func (q MongoQuery) mode() MongoReadMode {
	if q.Mode == "" {
		return ModeFind
	}
	return q.Mode
}

func (q MongoQuery) findFilter() bson.M {
	if q.Find == nil || q.Find.Filter == nil {
		return bson.M{}
	}
	return q.Find.Filter
}

// MongoCollection is the part of *mongo.Collection the document backend uses.
type MongoCollection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	Distinct(ctx context.Context, fieldName string, filter interface{}, opts ...*options.DistinctOptions) ([]interface{}, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	FindOneAndReplace(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.FindOneAndReplaceOptions) *mongo.SingleResult
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	FindOneAndDelete(ctx context.Context, filter interface{}, opts ...*options.FindOneAndDeleteOptions) *mongo.SingleResult
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

var _ MongoCollection = (*mongo.Collection)(nil)

// MongoDatabase hands out collections. WrapDatabase adapts *mongo.Database.
type MongoDatabase interface {
	Collection(name string) MongoCollection
}

type mongoDatabase struct {
	db *mongo.Database
}

// WrapDatabase adapts a driver database.
func WrapDatabase(db *mongo.Database) MongoDatabase {
	return mongoDatabase{db: db}
}

func (m mongoDatabase) Collection(name string) MongoCollection {
	return m.db.Collection(name)
}

// MongoTenantDatabase maps each tenant to its own database on a shared client.
// Requests without a tenant, or with an unmapped one, use defaultDB when it is set.
func MongoTenantDatabase(client *mongo.Client, dbNames map[string]string, defaultDB string) tenant.MappingFunc[MongoDatabase] {
	return func(ctx context.Context, id string, ok bool) (MongoDatabase, error) {
		name := defaultDB
		if ok {
			if mapped, found := dbNames[id]; found {
				name = mapped
			}
		}
		if name == "" {
			return nil, fmt.Errorf("no database mapped for tenant %q", id)
		}
		return WrapDatabase(client.Database(name)), nil
	}
}

// MongoClientOptions configures NewMongoClient.
type MongoClientOptions struct {
	URI             string        `yaml:"uri"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxPoolSize     uint64        `yaml:"max_pool_size"`
	MinPoolSize     uint64        `yaml:"min_pool_size"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ReadPreference  string        `yaml:"read_preference"`
	ReadConcern     string        `yaml:"read_concern"`
	AuthDatabase    string        `yaml:"auth_database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TLS             bool          `yaml:"tls"`
	TLSInsecure     bool          `yaml:"tls_insecure"`
	ReplicaSetName  string        `yaml:"replica_set"`
	RetryReads      bool          `yaml:"retry_reads"`
	RetryWrites     bool          `yaml:"retry_writes"`
	Compressors     []string      `yaml:"compressors"`
	ZlibLevel       int           `yaml:"zlib_level"`
}

// NewMongoClient connects and pings.
func NewMongoClient(ctx context.Context, opts MongoClientOptions) (*mongo.Client, error) {
	clientOpts, err := buildClientOptions(opts)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "mongo_options", Err: err}
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "ping", Err: err}
	}
	return client, nil
}

// buildClientOptions constructs MongoDB client options from the configuration.
func buildClientOptions(opts MongoClientOptions) (*options.ClientOptions, error) {
	if opts.URI == "" {
		return nil, errors.New("uri is required")
	}
	clientOpts := options.Client().ApplyURI(opts.URI)

	// Connection pool settings
	if opts.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.MinPoolSize > 0 {
		clientOpts.SetMinPoolSize(opts.MinPoolSize)
	}
	if opts.MaxConnIdleTime > 0 {
		clientOpts.SetMaxConnIdleTime(opts.MaxConnIdleTime)
	}
	if opts.Timeout > 0 {
		clientOpts.SetConnectTimeout(opts.Timeout)
	}

	if opts.Username != "" && opts.Password != "" {
		clientOpts.SetAuth(options.Credential{
			Username:   opts.Username,
			Password:   opts.Password,
			AuthSource: opts.AuthDatabase,
		})
	}

	if opts.TLS {
		clientOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: opts.TLSInsecure})
	}

	if opts.ReadPreference != "" {
		var readPref *readpref.ReadPref
		switch opts.ReadPreference {
		case "primary":
			readPref = readpref.Primary()
		case "primaryPreferred":
			readPref = readpref.PrimaryPreferred()
		case "secondary":
			readPref = readpref.Secondary()
		case "secondaryPreferred":
			readPref = readpref.SecondaryPreferred()
		case "nearest":
			readPref = readpref.Nearest()
		default:
			return nil, fmt.Errorf("invalid read preference: %s", opts.ReadPreference)
		}
		clientOpts.SetReadPreference(readPref)
	}

	if opts.ReadConcern != "" {
		var rc *readconcern.ReadConcern
		switch opts.ReadConcern {
		case "local":
			rc = readconcern.Local()
		case "available":
			rc = readconcern.Available()
		case "majority":
			rc = readconcern.Majority()
		case "linearizable":
			rc = readconcern.Linearizable()
		case "snapshot":
			rc = readconcern.Snapshot()
		default:
			return nil, fmt.Errorf("invalid read concern: %s", opts.ReadConcern)
		}
		clientOpts.SetReadConcern(rc)
	}

	// Retries stay off unless asked for; nothing above the driver retries.
	clientOpts.SetRetryReads(opts.RetryReads)
	clientOpts.SetRetryWrites(opts.RetryWrites)

	if len(opts.Compressors) > 0 {
		clientOpts.SetCompressors(opts.Compressors)
	}
	if opts.ZlibLevel > 0 {
		clientOpts.SetZlibLevel(opts.ZlibLevel)
	}
	if opts.ReplicaSetName != "" {
		clientOpts.SetReplicaSet(opts.ReplicaSetName)
	}
	return clientOpts, nil
}

// MongoReader reads documents with MongoQuery queries.
type MongoReader struct {
	provider tenant.ConnectionProvider[MongoDatabase]
	render   pagination.Renderer[MongoQuery]
	logger   *zap.Logger
}

var _ gopersist.GeneralReader[MongoQuery] = (*MongoReader)(nil)

// NewMongoReader creates a document reader.
func NewMongoReader(provider tenant.ConnectionProvider[MongoDatabase], opts ...Option) (*MongoReader, error) {
	if provider == nil {
		return nil, &gopersist.ConfigurationError{Op: "mongo_reader", Err: errors.New("connection provider is required")}
	}
	o := newOptions(opts)
	return &MongoReader{
		provider: provider,
		render:   pagination.JSONTemplateRenderer[MongoQuery](o.templates),
		logger:   o.logger,
	}, nil
}

func (m *MongoReader) prepare(ctx context.Context, query MongoQuery, params gopersist.Params) (MongoQuery, MongoCollection, error) {
	if query.Collection == "" {
		return query, nil, &gopersist.ConfigurationError{Op: "mongo_query", Err: errors.New("collection is required")}
	}
	if query.Template {
		rendered, err := m.render(query, params)
		if err != nil {
			return query, nil, err
		}
		query = rendered
	}
	db, err := m.provider.GetConnection(ctx)
	if err != nil {
		return query, nil, err
	}
	return query, db.Collection(query.Collection), nil
}

// cursor opens a cursor for find or aggregate queries. skip and limit only apply to find.
func (m *MongoReader) cursor(ctx context.Context, coll MongoCollection, query MongoQuery, skip, limit int64) (*mongo.Cursor, error) {
	var (
		cur *mongo.Cursor
		err error
	)
	switch query.mode() {
	case ModeFind:
		findOpts := options.Find()
		if query.BatchSize > 0 {
			findOpts.SetBatchSize(query.BatchSize)
		}
		if query.Find != nil {
			if query.Find.Projection != nil {
				findOpts.SetProjection(query.Find.Projection)
			}
			if len(query.Find.Sort) > 0 {
				findOpts.SetSort(query.Find.Sort)
			}
		}
		if skip > 0 {
			findOpts.SetSkip(skip)
		}
		if limit > 0 {
			findOpts.SetLimit(limit)
		}
		cur, err = coll.Find(ctx, query.findFilter(), findOpts)
	case ModeAggregate:
		if len(query.Pipeline) == 0 {
			return nil, &gopersist.ConfigurationError{Op: "mongo_query", Err: errors.New("pipeline is required for aggregate mode")}
		}
		aggOpts := options.Aggregate()
		if query.BatchSize > 0 {
			aggOpts.SetBatchSize(query.BatchSize)
		}
		cur, err = coll.Aggregate(ctx, query.Pipeline, aggOpts)
	default:
		return nil, &gopersist.ConfigurationError{Op: "mongo_query", Err: fmt.Errorf("read mode %q does not return documents", query.mode())}
	}
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: string(query.mode()), Err: err}
	}
	return cur, nil
}

// FindOne returns the first matching document, or nil.
func (m *MongoReader) FindOne(ctx context.Context, query MongoQuery, params gopersist.Params) (gopersist.Record, error) {
	query, coll, err := m.prepare(ctx, query, params)
	if err != nil {
		return nil, err
	}
	var limit int64
	if query.mode() == ModeFind {
		limit = 1
	}
	cur, err := m.cursor(ctx, coll, query, 0, limit)
	if err != nil {
		return nil, err
	}
	records, err := drain(ctx, &mongoCursor{cur: cur}, 1)
	if err != nil {
		return nil, err
	}
	return gopersist.FirstOf(records), nil
}

// FindAll returns every matching document.
func (m *MongoReader) FindAll(ctx context.Context, query MongoQuery, params gopersist.Params) ([]gopersist.Record, error) {
	query, coll, err := m.prepare(ctx, query, params)
	if err != nil {
		return nil, err
	}
	cur, err := m.cursor(ctx, coll, query, 0, 0)
	if err != nil {
		return nil, err
	}
	return drain(ctx, &mongoCursor{cur: cur}, 0)
}

// FindPage is only available in find mode. Without an explicit sort, pages are ordered by _id.
func (m *MongoReader) FindPage(ctx context.Context, req gopersist.PageRequest, query MongoQuery, params gopersist.Params) (*gopersist.Page, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if query.mode() != ModeFind {
		return nil, &gopersist.ConfigurationError{Op: "mongo_find_page", Err: fmt.Errorf("%w: pagination requires find mode, got %q", gopersist.ErrUnsupported, query.mode())}
	}
	query, coll, err := m.prepare(ctx, query, params)
	if err != nil {
		return nil, err
	}

	find := MongoFind{}
	if query.Find != nil {
		find = *query.Find
	}
	if len(find.Sort) == 0 {
		find.Sort = bson.D{{Key: "_id", Value: 1}}
	}
	query.Find = &find

	total, err := coll.CountDocuments(ctx, query.findFilter())
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "count", Err: err}
	}
	cur, err := m.cursor(ctx, coll, query, int64(req.Offset()), int64(req.PageSize))
	if err != nil {
		return nil, err
	}
	data, err := drain(ctx, &mongoCursor{cur: cur}, 0)
	if err != nil {
		return nil, err
	}
	return gopersist.NewPage(req, total, data), nil
}

// FindBatch streams the cursor in batches.
func (m *MongoReader) FindBatch(ctx context.Context, batchSize int, query MongoQuery, params gopersist.Params) (gopersist.RecordIterator, error) {
	if err := gopersist.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	query, coll, err := m.prepare(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if query.BatchSize == 0 {
		query.BatchSize = int32(batchSize)
	}
	cur, err := m.cursor(ctx, coll, query, 0, 0)
	if err != nil {
		return nil, err
	}
	return streamRecords(ctx, &mongoCursor{cur: cur}, batchSize, gopersist.CursorOptions[gopersist.Record]{})
}

// Count uses CountFilter, falling back to the find filter.
func (m *MongoReader) Count(ctx context.Context, query MongoQuery, params gopersist.Params) (int64, error) {
	query, coll, err := m.prepare(ctx, query, params)
	if err != nil {
		return 0, err
	}
	filter := query.CountFilter
	if filter == nil {
		filter = query.findFilter()
	}
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, &gopersist.ConnectivityError{Backend: "mongo", Op: "count", Err: err}
	}
	return n, nil
}

// Distinct returns one record per distinct value, keyed by the field name.
func (m *MongoReader) Distinct(ctx context.Context, query MongoQuery, params gopersist.Params) ([]gopersist.Record, error) {
	if query.Distinct == nil || query.Distinct.Field == "" {
		return nil, &gopersist.ConfigurationError{Op: "mongo_distinct", Err: errors.New("distinct.field is required")}
	}
	query, coll, err := m.prepare(ctx, query, params)
	if err != nil {
		return nil, err
	}
	filter := query.Distinct.Filter
	if filter == nil {
		filter = bson.M{}
	}
	values, err := coll.Distinct(ctx, query.Distinct.Field, filter)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "distinct", Err: err}
	}
	records := make([]gopersist.Record, 0, len(values))
	for _, v := range values {
		records = append(records, gopersist.Record{query.Distinct.Field: ConvertBSONValue(v)})
	}
	return records, nil
}

// mongoCursor adapts *mongo.Cursor to gopersist.Source.
type mongoCursor struct {
	cur    *mongo.Cursor
	closed bool
}

func (c *mongoCursor) Read(ctx context.Context) (gopersist.Record, error) {
	if c.closed {
		return nil, io.EOF
	}
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "cursor_next", Err: err}
		}
		return nil, io.EOF
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "mongo", Op: "decode", Err: err}
	}
	return ConvertBSONDocument(doc), nil
}

func (c *mongoCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.cur.Close(context.Background())
}

// ConvertBSONDocument converts a decoded document into a record of plain Go values.
func ConvertBSONDocument(doc bson.M) gopersist.Record {
	record := make(gopersist.Record, len(doc))
	for key, value := range doc {
		record[key] = ConvertBSONValue(value)
	}
	return record
}

// ConvertBSONValue converts BSON values to appropriate Go types.
func ConvertBSONValue(value interface{}) interface{} {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.Decimal128:
		bigInt, exp, err := v.BigInt()
		if err == nil && exp == 0 {
			return bigInt.String()
		}
		return v.String()
	case primitive.Binary:
		return v.Data
	case primitive.Regex:
		return v.Pattern
	case primitive.JavaScript:
		return string(v)
	case primitive.Symbol:
		return string(v)
	case primitive.CodeWithScope:
		return string(v.Code)
	case primitive.Timestamp:
		return time.Unix(int64(v.T), 0).UTC()
	case primitive.MinKey:
		return "MinKey"
	case primitive.MaxKey:
		return "MaxKey"
	case primitive.Undefined, primitive.Null:
		return nil
	case bson.M:
		result := make(map[string]interface{}, len(v))
		for k, val := range v {
			result[k] = ConvertBSONValue(val)
		}
		return result
	case bson.D:
		result := make(map[string]interface{}, len(v))
		for _, e := range v {
			result[e.Key] = ConvertBSONValue(e.Value)
		}
		return result
	case bson.A:
		result := make([]interface{}, len(v))
		for i, val := range v {
			result[i] = ConvertBSONValue(val)
		}
		return result
	default:
		return v
	}
}
