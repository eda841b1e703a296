// Command admin operates a running server over its loopback admin surface
// and inspects the event database offline.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "status":
			statusCmd(os.Args[2:])
			return
		case "start", "stop", "pause", "resume", "activate", "deactivate", "reset":
			lifecycleCmd(os.Args[1], os.Args[2:])
			return
		case "shock":
			shockCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "usage":
			usageCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}
	statusCmd(os.Args[1:])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

commands (against a running server; -url defaults to http://127.0.0.1:8080):
  status [tenant]                 tenant list or one tenant's scheduler status
  start|stop|pause|resume TENANT  scheduler lifecycle
  activate|deactivate TENANT      tenant availability
  reset TENANT                    archive and wipe a stopped tenant's world
  shock -tenant T [flags]         schedule, list (-pending) or clear (-clear) shocks
  events -tenant T [flags]        page stored events
  usage -tenant T [-day D]        daily usage counters

offline (direct sqlite reads; no server needed):
  db [-data DIR|-db PATH] tenants|events|agents|resources|usage|catalogs`)
}
