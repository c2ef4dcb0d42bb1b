package main

import "github.com/vietddude/guardian/internal/cli"

func main() {
	cli.Execute()
}
