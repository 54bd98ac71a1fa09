// Package version holds the release version reported by the CLI.
package version

// Current is the release version, without a "v" prefix.
const Current = "0.1.0"

// Banner is the version line printed by the version command.
func Banner() string {
	return "smartmap " + Current
}
