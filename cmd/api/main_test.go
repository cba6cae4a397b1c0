package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelshift/internal/config"
)

func TestWriteTimeout(t *testing.T) {
	bounded := config.WorkerConfig{Timeout: 5 * time.Minute, AdmissionWait: 30 * time.Second}
	require.Equal(t, 6*time.Minute+30*time.Second, writeTimeout(bounded))

	unbounded := config.WorkerConfig{Timeout: 0, AdmissionWait: 30 * time.Second}
	require.Zero(t, writeTimeout(unbounded))
}
