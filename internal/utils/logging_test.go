// Copyright (c) 2025 @AmarnathCJD

package utils_test

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/amarnathcjd/tgflow/internal/utils"
)

func newBufferLogger() (*utils.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	log := utils.NewLogger("test").SetOutput(&buf).SetColor(false)
	return log, &buf
}

func TestLoggerLevelFiltering(t *testing.T) {
	log, buf := newBufferLogger()
	log.SetLevel(utils.WarnLevel)

	log.Debug("invisible")
	log.Info("also invisible")
	log.Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "invisible")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "visible")
}

func TestLoggerFormatArgs(t *testing.T) {
	log, buf := newBufferLogger()
	log.Info("processed %d updates in %s", 3, "10ms")
	assert.Contains(t, buf.String(), "processed 3 updates in 10ms")
}

func TestLoggerWithErrorAndFields(t *testing.T) {
	log, buf := newBufferLogger()
	log.WithError(errors.New("broken pipe")).WithField("job", "cleanup").Error("job failed")

	out := buf.String()
	assert.Contains(t, out, "error=broken pipe")
	assert.Contains(t, out, "job=cleanup")
	assert.Contains(t, out, "ERROR")
}

func TestLoggerWithPrefixIsAClone(t *testing.T) {
	log, buf := newBufferLogger()
	child := log.WithPrefix("tgflow [jobqueue]")

	child.Info("from child")
	assert.Contains(t, buf.String(), "tgflow [jobqueue]")
	assert.Equal(t, "test", log.GetPrefix())
	assert.Equal(t, "tgflow [jobqueue]", child.GetPrefix())
}

func TestLoggerSetLevelRejectsGarbage(t *testing.T) {
	log, _ := newBufferLogger()
	log.SetLevel(utils.LogLevel(99))
	assert.Equal(t, utils.InfoLevel, log.GetLevel())
}

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, utils.DebugLevel, utils.LevelFromString("debug"))
	assert.Equal(t, utils.WarnLevel, utils.LevelFromString(" WARN "))
	assert.Equal(t, utils.NoLevel, utils.LevelFromString("off"))
	assert.Equal(t, utils.InfoLevel, utils.LevelFromString("whatever"))
}
