// The main package for the comfydeploy executable.
package main

import (
	"github.com/ihmily/comfy-deploy/cmd"
)

func main() {
	cmd.Execute()
}
