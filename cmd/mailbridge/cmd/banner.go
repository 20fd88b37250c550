package cmd

import (
	"fmt"
	"io"
)

const banner = `
                 _ _ _          _     _            
  _ __ ___   __ _(_) | |__  _ __(_) __| | __ _  ___ 
 | '_ ` + "`" + ` _ \ / _` + "`" + ` | | | '_ \| '__| |/ _` + "`" + ` |/ _` + "`" + ` |/ _ \
 | | | | | | (_| | | | |_) | |  | | (_| | (_| |  __/
 |_| |_| |_|\__,_|_|_|_.__/|_|  |_|\__,_|\__, |\___|
                                         |___/      
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Webmail Single Sign-On Bridge - Version %s\x1b[0m\n\n", Version)
}
