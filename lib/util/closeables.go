package util

import (
	"io"
	"sync"
)

// shutdownClosers holds resources that outlive a single command, such as the
// record store, and are released when the process exits.
var shutdownClosers struct {
	sync.Mutex
	list []io.Closer
}

// RegisterCloser queues c for CloseAll.
func RegisterCloser(c io.Closer) {
	shutdownClosers.Lock()
	shutdownClosers.list = append(shutdownClosers.list, c)
	n := len(shutdownClosers.list)
	shutdownClosers.Unlock()
	log.WithField("pending", n).Debug("closer registered")
}

// CloseAll releases every registered closer, newest first, and empties the
// queue. Close errors are logged, not returned.
func CloseAll() {
	shutdownClosers.Lock()
	list := shutdownClosers.list
	shutdownClosers.list = nil
	shutdownClosers.Unlock()

	for i := len(list) - 1; i >= 0; i-- {
		if err := list[i].Close(); err != nil {
			log.WithError(err).WithField("index", i).Warn("closer failed")
		}
	}
	log.WithField("closed", len(list)).Debug("closers released")
}
