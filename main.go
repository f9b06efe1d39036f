package main

import "github.com/webhead2oo9/ChatGPT-Discord-Bot/cmd"

func main() {
	cmd.Execute()
}
