package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/j3soon/orthanc/internal/config"
	"github.com/j3soon/orthanc/internal/housekeeping"
	"github.com/j3soon/orthanc/internal/stability"
	"github.com/j3soon/orthanc/internal/txn"
)

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	c := config.WithDefaults(config.Config{})
	assert.Equal(t, stability.DefaultQuiescenceWindow, c.QuiescenceWindow)
	assert.Equal(t, stability.DefaultCapacity, c.StabilityCapacity)
	assert.Equal(t, housekeeping.DefaultFlushInterval, c.FlushInterval)
	assert.Equal(t, txn.DefaultMaxRetries, c.MaxRetries)
	assert.Equal(t, txn.DefaultMaxBackoff, c.MaxBackoff)
	assert.NotNil(t, c.Log)
}

func TestWithDefaultsPreservesNonZeroFields(t *testing.T) {
	log := slog.Default()
	in := config.Config{
		MaxTotalCompressedBytes: 1000,
		MaxPatients:             5,
		QuiescenceWindow:        30 * time.Second,
		StabilityCapacity:       50,
		FlushInterval:           time.Minute,
		MaxRetries:              3,
		MaxBackoff:              time.Second,
		Log:                     log,
	}
	out := config.WithDefaults(in)
	assert.Equal(t, in.MaxTotalCompressedBytes, out.MaxTotalCompressedBytes)
	assert.Equal(t, in.MaxPatients, out.MaxPatients)
	assert.Equal(t, 30*time.Second, out.QuiescenceWindow)
	assert.Equal(t, 50, out.StabilityCapacity)
	assert.Equal(t, time.Minute, out.FlushInterval)
	assert.Equal(t, 3, out.MaxRetries)
	assert.Equal(t, time.Second, out.MaxBackoff)
	assert.Same(t, log, out.Log)
}
