package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "debug", FormatJSON)
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("peer", "abc").Info("hello")
	require.Contains(t, buf.String(), `"peer":"abc"`)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", FormatText)
	require.Error(t, err)

	_, err = New("info", "xml")
	require.Error(t, err)
}

func TestShortID(t *testing.T) {
	require.Equal(t, "abc", ShortID("abc"))
	require.Equal(t, "3456789abcde", ShortID("0123456789abcde"))
}
