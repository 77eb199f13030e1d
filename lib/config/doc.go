// Package config loads node settings from ~/.agentmesh/config.yaml through
// viper, writing a file with every default on first run.
//
// # Directories
//
// BaseDir ($HOME/.agentmesh) holds config.yaml and the optional seeds
// file. DataDir ($HOME/.agentmesh/data) holds mutable state: the identity
// key and the record database.
//
// Every key can be overridden with an AGENTMESH_ environment variable,
// dots replaced by underscores (AGENTMESH_TRANSPORT_LISTEN_ADDR).
package config
