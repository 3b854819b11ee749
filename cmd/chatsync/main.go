// Command chatsync serves realtime chat updates over SSE and catch-up diffs.
package main

import "github.com/nimburion/chatsync/pkg/cli"

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "chatsync",
		Description: "Per-recipient update log with live delivery and catch-up",
		ConfigPath:  "",
	}))
}
