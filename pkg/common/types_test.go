package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpoint_String(t *testing.T) {
	assert.Equal(t, "localhost:3310", LocalEndpoint(3310).String())
	assert.Equal(t, "localhost:3320", Endpoint{Port: 3320}.String())
	assert.Equal(t, "10.0.0.5:3306", Endpoint{Host: "10.0.0.5", Port: 3306}.String())
}

func TestCredentials_URI(t *testing.T) {
	creds := Credentials{User: "root", Password: "root"}
	assert.Equal(t, "root:root@localhost:3310", creds.URI(LocalEndpoint(3310)))
}

func TestSafeBuffer_Truncates(t *testing.T) {
	sb := NewSafeBuffer(8)

	n, err := sb.Write([]byte("abcdef"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = sb.Write([]byte("ghij"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "cdefghij", sb.String())

	n, err = sb.Write([]byte("0123456789"))
	assert.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "23456789", sb.String())
	assert.Equal(t, 8, sb.Len())

	sb.Reset()
	assert.Empty(t, sb.Bytes())
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", TruncateString("abc", 5))
	assert.Equal(t, "ab...", TruncateString("abcdefgh", 5))
}
