package main

import "payrelay/internal/cli"

func main() {
	cli.Execute()
}
