package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ____       _       _                          
  / ___| __ _| |_ ___| |__   ___  _   _ ___  ___ 
 | |  _ / _` + "`" + ` | __/ _ \ '_ \ / _ \| | | / __|/ _ \
 | |_| | (_| | ||  __/ | | | (_) | |_| \__ \  __/
  \____|\__,_|\__\___|_| |_|\___/ \__,_|___/\___|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Session Gateway - Version %s\x1b[0m\n\n", Version)
}
