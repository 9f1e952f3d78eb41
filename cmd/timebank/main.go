package main

import "github.com/timebank-app/timebank/internal/cli"

func main() {
	cli.Execute()
}
