package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}

func TestPresignedGetURL(t *testing.T) {
	c, err := NewClient(Config{
		Endpoint: "localhost:9000",
		Access:   "minioadmin",
		Secret:   "minioadmin",
		Bucket:   "pixelshift",
		Region:   "us-east-1",
	})
	require.NoError(t, err)
	require.Equal(t, "pixelshift", c.Bucket())

	raw, err := c.PresignedGetURL(context.Background(), "uploads/processed_abc.png", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "localhost:9000", u.Host)
	require.Equal(t, "/pixelshift/uploads/processed_abc.png", u.Path)
	require.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
}
