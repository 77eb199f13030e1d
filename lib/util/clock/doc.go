// Package clock provides the time source used for envelope timestamps,
// replay windows, session expiry and retry scheduling.
//
// System reads the host clock. NTPClock corrects the host clock with an
// offset measured against a set of NTP servers. Manual is a settable clock
// for deterministic tests.
package clock
