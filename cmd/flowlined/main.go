// flowlined is the workflow engine daemon. It serves the REST API, runs
// worker pools, applies schema migrations, and imports workflow definitions.
//
// Usage:
//
//	flowlined api                        serve the HTTP API
//	flowlined worker                     run the worker pool with recovery passes
//	flowlined migrate                    apply schema migrations
//	flowlined apply -f workflow.yaml     import a workflow definition
//	flowlined version                    print build information
package main

import "os"

func main() {
	os.Exit(Execute())
}
