package upnp

import (
	"io"

	"github.com/sirupsen/logrus"
)

func noopLogEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
