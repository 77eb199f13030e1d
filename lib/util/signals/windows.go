//go:build windows

package signals

import "os"

var watchedSignals = []os.Signal{os.Interrupt}

func isReload(os.Signal) bool { return false }

func isShutdown(sig os.Signal) bool { return sig == os.Interrupt }
