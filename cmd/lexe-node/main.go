// Command lexe-node runs one Lightning enclave node: either its one-time
// provisioning flow (provision) or its steady-state mTLS server (run).
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "provision":
		err = runProvisionCmd(os.Args[2:])
	case "run":
		err = runRunCmd(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "lexe-node: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`lexe-node - Lightning enclave node

Usage:
  lexe-node provision --user-pk <hex> --machine-id <id> [--node-dns-name <dns>]
                       [--port <n>] [--backend-url <url>] [--runner-url <url>]
  lexe-node run --user-pk <hex> --bitcoind-rpc <user:pass@host:port>
                [--network testnet|signet|regtest] [--peer-port <n>]
                [--shutdown-after-sync-if-no-activity]
                [--inactivity-timer-sec <n>] [--backend-url <url>] [--runner-url <url>]

Environment:
  BACKEND_URL, RUNNER_URL        override the --backend-url/--runner-url defaults
  (no gateway URL is configurable; DEV_GATEWAY_URL is not read)
`)
}
