// Gantry is a local first CI pipeline runner.
//
// Gantry expands matrix jobs into instances, schedules them over a
// dependency graph and runs their steps locally or inside docker
// containers. Pipelines are defined in gantry.yml and triggered from the
// command line or over a signed webhook.
package main

import (
	"github.com/opnlabs/gantry/cmd/gantry"
)

func main() {
	gantry.Execute()
}
