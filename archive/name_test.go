package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	ct := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC).UnixMilli()
	name := Name("web-1", ct)
	assert.Equal(t, "web-1__20240301-123000-000.pb.gz", name)

	ni, err := ParseName(name)
	require.NoError(t, err)
	assert.Equal(t, "web-1", ni.Instance)
	assert.Equal(t, ct, ni.CaptureTime())
	assert.Equal(t, name, ni.FullName)

	for _, bad := range []string{
		"noext",
		"web-1__20240301-123000-000.json",
		"__20240301-123000-000.pb.gz",
		"web-1__20240301-123000.pb.gz",
		"web-1__2024x301-123000-000.pb.gz",
		"web-1.pb.gz",
	} {
		_, err := ParseName(bad)
		assert.Error(t, err, bad)
	}
}
