package main

import "livedesk/cmd/cli"

func main() {
	cli.Execute()
}
