package main

import "github.com/samvdb/somneo-homekit/cmd"

func main() {
	cmd.Execute()
}
