// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package correlation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsCanonicalV4(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewID()
		parsed, err := uuid.Parse(id)
		require.NoError(t, err, "id %q must parse", id)
		assert.Equal(t, uuid.Version(4), parsed.Version())
		assert.Equal(t, uuid.RFC4122, parsed.Variant())
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestCommentRoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := NewID()
		got, ok := ParseComment(FormatComment(id))
		require.True(t, ok)
		assert.Equal(t, id, got)
	}
}

func TestParseCommentInsideStatement(t *testing.T) {
	id := NewID()
	sql := FormatComment(id) + " SELECT * FROM users WHERE id = $1"
	got, ok := ParseComment(sql)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestParseCommentAbsent(t *testing.T) {
	_, ok := ParseComment("SELECT 1")
	assert.False(t, ok)

	// an unrelated comment must not match
	_, ok = ParseComment("/* note: slow */ SELECT 1")
	assert.False(t, ok)
}

func TestFallbackIDUniqueAndParseable(t *testing.T) {
	a := fallbackID()
	b := fallbackID()
	assert.NotEqual(t, a, b)

	got, ok := ParseComment(FormatComment(a))
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestAppNameRoundTrip(t *testing.T) {
	id := NewID()
	name := AppName(id)
	assert.Equal(t, "reqprof-"+id, name)

	got, ok := ParseAppName(name)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ParseAppName("psql")
	assert.False(t, ok)
	_, ok = ParseAppName("")
	assert.False(t, ok)
}
