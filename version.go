package itinerary

import _ "embed"

// Version is the module release, read from the VERSION file.
//
//go:embed VERSION
var Version string
