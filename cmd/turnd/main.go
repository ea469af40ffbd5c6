// Command turnd runs a standalone STUN/TURN relay server.
package main

import "github.com/relaynet/turnd/internal/cli"

func main() {
	cli.Execute()
}
