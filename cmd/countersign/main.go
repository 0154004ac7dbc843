// countersign is a cryptographic approval gate for autonomous agents:
// tool calls that policy cannot auto-approve are sealed into single-use
// envelopes that only a human-signed decision can release.
package main

import "github.com/countersign-dev/countersign/cmd/countersign/cmd"

func main() {
	cmd.Execute()
}
