package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("INFO"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, logrus.DebugLevel, ParseLevel("nonsense"))
}

func TestGetLoggerIsShared(t *testing.T) {
	assert.Same(t, GetLogger(), GetLogger())
}

func TestEntryCarriesFields(t *testing.T) {
	l := &Logger{Logger: logrus.New()}
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.Logger.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	l.WithFields(Fields{"at": "test"}).WithField("peer", "abcd").Debug("hello")

	out := buf.String()
	assert.Contains(t, out, "at=test")
	assert.Contains(t, out, "peer=abcd")
	assert.Contains(t, out, "hello")
}
