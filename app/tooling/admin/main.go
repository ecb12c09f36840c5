// This program performs administrative tasks for a casino validator network:
// key generation, genesis construction, and transaction submission.
package main

import (
	"github.com/ardanlabs/casino/app/tooling/admin/cmd"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {
	cmd.Execute(build)
}
