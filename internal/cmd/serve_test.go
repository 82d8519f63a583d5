package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAPIKeys(t *testing.T) {
	m := parseAPIKeys("")
	assert.Empty(t, m)

	m = parseAPIKeys("key1")
	assert.Len(t, m, 1)
	assert.Equal(t, "default", m["key1"])

	m = parseAPIKeys("key1:alice,key2:team-ops")
	assert.Len(t, m, 2)
	assert.Equal(t, "alice", m["key1"])
	assert.Equal(t, "team-ops", m["key2"])

	// "mykey:" or "mykey:  " must map to the default identity
	m = parseAPIKeys("mykey:")
	assert.Len(t, m, 1)
	assert.Equal(t, "default", m["mykey"], "key with trailing colon must get default identity")

	m = parseAPIKeys("mykey:  ")
	assert.Len(t, m, 1)
	assert.Equal(t, "default", m["mykey"], "key with colon and spaces must get default identity")

	// whitespace and empty entries are skipped
	m = parseAPIKeys(" key1 , , key2:bob ")
	assert.Len(t, m, 2)
	assert.Equal(t, "default", m["key1"])
	assert.Equal(t, "bob", m["key2"])
}
