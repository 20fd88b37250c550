// Command mailbridge runs the webmail single sign-on bridge and its
// credential maintenance tools.
package main

import "github.com/jmcleod/mailbridge/cmd/mailbridge/cmd"

func main() {
	cmd.Execute()
}
