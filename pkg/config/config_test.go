// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Aaa int    `json:"aaa" yaml:"aaa"`
	Bbb string `json:"bbb" yaml:"bbb"`
}

type testConfig struct {
	Foo int      `json:"foo" yaml:"foo"`
	Bar string   `json:"bar" yaml:"bar"`
	Qux []string `json:"qux" yaml:"qux"`
	Box *nested  `json:"box" yaml:"box"`
}

func TestLoadData(t *testing.T) {
	tests := []struct {
		input  string
		output testConfig
		err    string
	}{
		{
			`{"foo": 42}`,
			testConfig{Foo: 42},
			"",
		},
		{
			"# comment\n{\n\t# another one\n\t\"bar\": \"baz\"\n}",
			testConfig{Bar: "baz"},
			"",
		},
		{
			`{"foo": 1, "box": {"aaa": 12, "bbb": "bbb"}, "qux": ["a", "b"]}`,
			testConfig{Foo: 1, Box: &nested{Aaa: 12, Bbb: "bbb"}, Qux: []string{"a", "b"}},
			"",
		},
		{
			`{"foobar": 42}`,
			testConfig{},
			"unknown field",
		},
		{
			`{"foo": "str"}`,
			testConfig{},
			"cannot unmarshal",
		},
	}
	for i, test := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			var cfg testConfig
			err := LoadData([]byte(test.input), &cfg)
			if test.err != "" {
				assert.ErrorContains(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.output, cfg)
		})
	}
}

func TestLoadYAMLData(t *testing.T) {
	var cfg testConfig
	require.NoError(t, LoadYAMLData([]byte("foo: 3\nbox:\n  aaa: 1\nqux: [x]\n"), &cfg))
	assert.Equal(t, testConfig{Foo: 3, Box: &nested{Aaa: 1}, Qux: []string{"x"}}, cfg)

	assert.ErrorContains(t, LoadYAMLData([]byte("nope: 1\n"), &cfg), "not found")
	assert.NoError(t, LoadYAMLData(nil, &cfg))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig{Foo: 7, Bar: "bar"}
	jsonFile := filepath.Join(dir, "cfg.json")
	require.NoError(t, SaveFile(jsonFile, cfg))
	var cfg1 testConfig
	require.NoError(t, LoadFile(jsonFile, &cfg1))
	assert.Equal(t, cfg, cfg1)

	yamlFile := filepath.Join(dir, "cfg.yml")
	require.NoError(t, os.WriteFile(yamlFile, []byte("foo: 8\n"), 0644))
	var cfg2 testConfig
	require.NoError(t, LoadFile(yamlFile, &cfg2))
	assert.Equal(t, 8, cfg2.Foo)

	assert.Error(t, LoadFile("", &cfg2))
	assert.Error(t, LoadFile(filepath.Join(dir, "missing.json"), &cfg2))
}
