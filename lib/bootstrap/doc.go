// Package bootstrap collects the transport addresses a node contacts to
// join the network.
//
// Seeds come from two places: the list in the configuration file and an
// optional YAML seeds file that operators can replace without touching
// the main configuration:
//
//	seeds:
//	  - address: quic://203.0.113.7:7450
//	    note: eu-west
//	  - address: quic://198.51.100.2:7450
//
// Every address is validated before use. Addresses with an unknown scheme,
// a missing host or an out of range port are dropped and counted in
// ValidationStats.
package bootstrap
