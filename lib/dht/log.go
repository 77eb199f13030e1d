package dht

import "github.com/go-agentmesh/agentmesh/lib/util/logger"

var log = logger.GetLogger()
