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

package transform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
)

func TestGeneralTransformer_MergeToOriginal(t *testing.T) {
	tr, err := New(Spec{Template: `{"b": "X"}`, MergeToOriginal: true})
	require.NoError(t, err)

	in := gopersist.Record{"a": 1, "b": 2}
	out, err := tr.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, gopersist.Record{"a": 1, "b": "X"}, out)
	assert.Equal(t, gopersist.Record{"a": 1, "b": 2}, in)
}

func TestGeneralTransformer_MergeIntoNilRecord(t *testing.T) {
	tr, err := New(Spec{Template: `{"b": "X"}`, MergeToOriginal: true})
	require.NoError(t, err)

	var out gopersist.Record
	require.NotPanics(t, func() {
		out, err = tr.Convert(context.Background(), nil)
	})
	require.NoError(t, err)
	assert.Equal(t, gopersist.Record{"b": "X"}, out)

	outs, err := tr.ConvertAll(context.Background(), []gopersist.Record{nil, {"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, []gopersist.Record{{"b": "X"}, {"a": 1, "b": "X"}}, outs)
}

func TestGeneralTransformer_ReplaceWholesale(t *testing.T) {
	tr, err := New(Spec{Template: `{"b": "X"}`})
	require.NoError(t, err)

	out, err := tr.Convert(context.Background(), gopersist.Record{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, gopersist.Record{"b": "X"}, out)
}

func TestGeneralTransformer_TemplateUsesRecord(t *testing.T) {
	tr, err := New(Spec{Template: `{"greeting": "hello {{.name}}", "n": {{.n}}}`})
	require.NoError(t, err)

	out, err := tr.Convert(context.Background(), gopersist.Record{"name": "ada", "n": 3})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out["greeting"])
	assert.Equal(t, float64(3), out["n"])
}

func TestGeneralTransformer_TemplateErrorIsFatal(t *testing.T) {
	tr, err := New(Spec{Template: `{"b": "{{.missing}}"}`})
	require.NoError(t, err)

	records := []gopersist.Record{{"missing": "ok"}, {"other": 1}}
	out, err := tr.ConvertAll(context.Background(), records)
	assert.Nil(t, out)
	var tErr *gopersist.TransformError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "template", tErr.Op)
}

func TestGeneralTransformer_TemplateNotJSON(t *testing.T) {
	tr, err := New(Spec{Template: `not json {{.a}}`})
	require.NoError(t, err)
	_, err = tr.Convert(context.Background(), gopersist.Record{"a": 1})
	var tErr *gopersist.TransformError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "decode", tErr.Op)
}

func TestGeneralTransformer_AllAtOnceTemplate(t *testing.T) {
	tr, err := New(Spec{
		Template:  `[{{range $i, $r := .list}}{{if $i}},{{end}}{"id": {{$r.id}}, "pos": {{$i}}}{{end}}]`,
		AllAtOnce: true,
	})
	require.NoError(t, err)

	out, err := tr.ConvertAll(context.Background(), []gopersist.Record{{"id": 7}, {"id": 9}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, gopersist.Record{"id": float64(7), "pos": float64(0)}, out[0])
	assert.Equal(t, gopersist.Record{"id": float64(9), "pos": float64(1)}, out[1])
}

func TestGeneralTransformer_AllAtOnceMergeLengthMismatch(t *testing.T) {
	tr, err := New(Spec{Template: `[{"x": 1}]`, AllAtOnce: true, MergeToOriginal: true})
	require.NoError(t, err)

	_, err = tr.ConvertAll(context.Background(), []gopersist.Record{{"a": 1}, {"a": 2}})
	assert.Error(t, err)
}

func TestGeneralTransformer_ScriptFunction(t *testing.T) {
	scripts := engine.NewScriptEngine()
	scripts.Register("tag", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		r := args[0].(gopersist.Record)
		return map[string]interface{}{"tag": strings.ToUpper(r["name"].(string))}, nil
	})
	require.NoError(t, scripts.LoadScript(`function count(list) { return [{count: list.length}]; }`))

	tr, err := New(Spec{ScriptFunction: "tag", MergeToOriginal: true}, WithScriptEngine(scripts))
	require.NoError(t, err)
	out, err := tr.Convert(context.Background(), gopersist.Record{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, gopersist.Record{"name": "x", "tag": "X"}, out)

	batch, err := New(Spec{ScriptFunction: "count", AllAtOnce: true}, WithScriptEngine(scripts))
	require.NoError(t, err)
	outs, err := batch.ConvertAll(context.Background(), []gopersist.Record{{}, {}, {}})
	require.NoError(t, err)
	assert.Equal(t, []gopersist.Record{{"count": float64(3)}}, outs)
}

func TestGeneralTransformer_JavaScriptRecordFunction(t *testing.T) {
	scripts := engine.NewScriptEngine()
	require.NoError(t, scripts.LoadScript(`
function enrich(r) {
  return {id: r.id, total: r.qty * r.price, sku: r.sku.toUpperCase()};
}
`))
	tr, err := New(Spec{ScriptFunction: "enrich"}, WithScriptEngine(scripts))
	require.NoError(t, err)

	out, err := tr.Convert(context.Background(), gopersist.Record{"id": "o1", "qty": 3, "price": 2.5, "sku": "ab"})
	require.NoError(t, err)
	assert.Equal(t, gopersist.Record{"id": "o1", "total": 7.5, "sku": "AB"}, out)
}

func TestGeneralTransformer_UnknownScriptFunction(t *testing.T) {
	tr, err := New(Spec{ScriptFunction: "nope"}, WithScriptEngine(engine.NewScriptEngine()))
	require.NoError(t, err)

	_, err = tr.Convert(context.Background(), gopersist.Record{})
	var tErr *gopersist.TransformError
	require.ErrorAs(t, err, &tErr)
	assert.True(t, errors.Is(err, engine.ErrUnknownFunction))
}

func TestGeneralTransformer_Routine(t *testing.T) {
	routines := map[string]gopersist.Transformer{
		"slim": Select("id"),
		"tag":  SetField("source", "crm"),
	}

	tr, err := New(Spec{Routine: "slim"}, WithRoutines(routines))
	require.NoError(t, err)
	in := gopersist.Record{"id": 1, "noise": true}
	out, err := tr.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, gopersist.Record{"id": 1}, out)

	tagger, err := New(Spec{Routine: "tag"}, WithRoutines(routines))
	require.NoError(t, err)
	_, err = tagger.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.NotContains(t, in, "source")
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		opts []Option
	}{
		{"two sources", Spec{Template: "{}", Routine: "x"}, nil},
		{"unknown routine", Spec{Routine: "missing"}, []Option{WithRoutines(map[string]gopersist.Transformer{})}},
		{"bad template", Spec{Template: "{{.x"}, nil},
		{"script without engine", Spec{ScriptFunction: "f"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec, tt.opts...)
			var cfgErr *gopersist.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestGeneralTransformer_Identity(t *testing.T) {
	tr, err := New(Spec{})
	require.NoError(t, err)

	in := []gopersist.Record{{"a": 1}}
	out, err := tr.ConvertAll(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
