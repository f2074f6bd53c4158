package main

import "github.com/lessonpipe/lessonpipe/cmd"

func main() {
	cmd.Execute()
}
