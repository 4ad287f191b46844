package main

import "github.com/nextlevelbuilder/replydesk/cmd"

func main() {
	cmd.Execute()
}
