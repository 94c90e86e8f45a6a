// Package hecbridge bridges Splunk HTTP Event Collector traffic and Kafka.
// The source side accepts HEC events over HTTP and produces them to Kafka topics;
// the sink side consumes records from Kafka and delivers them to a collector.
package hecbridge

import (
	"fmt"
)

// AppName is the binary and CLI name.
const AppName = "hecbridge"

var (
	version string
	build   string
)

// Version returns the application version and build information.
// The version and build values are injected at compile time via ldflags.
func Version() string {
	return fmt.Sprintf("%s (%s)", version, build)
}
