package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"DEBUG":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"WARN":     zerolog.WarnLevel,
		"ERROR":    zerolog.ErrorLevel,
		"DISABLED": zerolog.Disabled,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("VERBOSE")
	assert.Error(t, err)
}

func TestInitLogger_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		InitLogger("group-coordinator-test", "ERROR")
		InitLogger("group-coordinator-test", "DEBUG")
	})
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
}

func TestPrintfAdapter(t *testing.T) {
	assert.NotPanics(t, func() {
		Printf{Component: "zk"}.Printf("connected to %s", "127.0.0.1:2181")
	})
}
