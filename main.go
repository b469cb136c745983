package main

import "github.com/jmehdipour/billing-reconciler/cmd"

func main() {
	cmd.Execute()
}
