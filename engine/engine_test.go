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

package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()

	tests := []struct {
		name string
		text string
		data interface{}
		want string
	}{
		{"field", `{"b": "{{.name}}"}`, map[string]interface{}{"name": "X"}, `{"b": "X"}`},
		{"conditional", `{{if .vip}}gold{{else}}std{{end}}`, map[string]interface{}{"vip": true}, "gold"},
		{"loop", `{{range $i, $v := .list}}{{if $i}},{{end}}{{$v}}{{end}}`, map[string]interface{}{"list": []int{1, 2, 3}}, "1,2,3"},
		{"trim", `[{{trim .s}}]`, map[string]interface{}{"s": "  padded "}, "[padded]"},
		{"toJSON", `{{toJSON .}}`, map[string]interface{}{"a": "<b>"}, `{"a":"<b>"}`},
		{"fromJSON", `{{$m := fromJSON .raw}}{{index $m "k"}}`, map[string]interface{}{"raw": `{"k":"v"}`}, "v"},
		{"eval", `{{eval .inner .}}`, map[string]interface{}{"inner": "hi {{.who}}", "who": "there"}, "hi there"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.text, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateEngine_MissingKeyIsError(t *testing.T) {
	e := NewTemplateEngine()
	_, err := e.Render(`{{.missing}}`, map[string]interface{}{"present": 1})
	assert.Error(t, err)
}

func TestTemplateEngine_ParseError(t *testing.T) {
	e := NewTemplateEngine()
	_, err := e.Render(`{{.unclosed`, nil)
	assert.Error(t, err)
	assert.Error(t, e.Validate(`{{end}}`))
}

func TestTemplateEngine_UUID(t *testing.T) {
	e := NewTemplateEngine()
	got, err := e.Render(`{{uuid}}`, nil)
	require.NoError(t, err)
	_, err = uuid.Parse(got)
	assert.NoError(t, err)
}

func TestTemplateEngine_File(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.tmpl"), []byte("hello {{.name}}"), 0o644))

	e := NewTemplateEngine(WithBaseDir(dir))
	got, err := e.Render(`{{file "greeting.tmpl" .}}!`, map[string]interface{}{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada!", got)

	_, err = e.Render(`{{file "absent.tmpl" .}}`, nil)
	assert.Error(t, err)
}

func TestTemplateEngine_Script(t *testing.T) {
	scripts := NewScriptEngine()
	scripts.Register("shout", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return strings.ToUpper(args[0].(string)), nil
	})

	e := NewTemplateEngine(WithScripts(scripts))
	got, err := e.Render(`{{script "shout" .name}}`, map[string]interface{}{"name": "quiet"})
	require.NoError(t, err)
	assert.Equal(t, "QUIET", got)

	_, err = NewTemplateEngine().Render(`{{script "shout" .name}}`, map[string]interface{}{"name": "x"})
	assert.Error(t, err)
}

func TestScriptEngine_JavaScriptFunctions(t *testing.T) {
	s := NewScriptEngine()
	require.NoError(t, s.LoadScript(`
function fullName(r) {
  r.full = r.first + " " + r.last;
  delete r.first;
  return r;
}
function count(list) { return [{count: list.length}]; }
var notAFunction = 1;
`))

	in := map[string]interface{}{"first": "Ada", "last": "Lovelace", "born": 1815}
	out, err := s.InvokeFunction(context.Background(), "fullName", in)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"full": "Ada Lovelace", "last": "Lovelace", "born": float64(1815)}, out)
	assert.Equal(t, "Ada", in["first"], "the caller's value is not modified")

	out, err = s.InvokeFunction(context.Background(), "count", []interface{}{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"count": float64(3)}}, out)

	assert.True(t, s.Has("fullName"))
	assert.False(t, s.Has("notAFunction"))
	assert.Equal(t, []string{"count", "fullName"}, s.Functions())
}

func TestScriptEngine_RegisteredWinsOverScript(t *testing.T) {
	s := NewScriptEngine()
	require.NoError(t, s.LoadScript(`function f() { return "script"; }`))
	s.Register("f", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return "go", nil
	})

	out, err := s.InvokeFunction(context.Background(), "f")
	require.NoError(t, err)
	assert.Equal(t, "go", out)
}

func TestScriptEngine_Errors(t *testing.T) {
	s := NewScriptEngine()
	_, err := s.InvokeFunction(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownFunction))

	require.NoError(t, s.LoadScript(`function broken() { throw new Error("bad input"); }`))
	_, err = s.InvokeFunction(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")

	assert.Error(t, s.LoadScript(`function (`))

	out, err := s.InvokeFunction(context.Background(), "missing")
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, ErrUnknownFunction))
}

func TestScriptEngine_InterruptedByContext(t *testing.T) {
	s := NewScriptEngine()
	require.NoError(t, s.LoadScript(`
function spin() { for (;;) {} }
function one() { return 1; }
`))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.InvokeFunction(ctx, "spin")
	assert.Error(t, err)

	out, err := s.InvokeFunction(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, float64(1), out)
}

func TestCodecs(t *testing.T) {
	in := map[string]interface{}{"name": "a<b", "n": 1}

	data, err := JSON.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1,"name":"a<b"}`, string(data))

	var out map[string]interface{}
	require.NoError(t, YAML.Unmarshal([]byte("name: x\nn: 2\n"), &out))
	assert.Equal(t, "x", out["name"])
	assert.Equal(t, 2, out["n"])

	c, err := CodecFor("yml")
	require.NoError(t, err)
	assert.Equal(t, "yaml", c.Name())
	_, err = CodecFor("xml")
	assert.Error(t, err)
}
