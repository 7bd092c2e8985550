package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ____                _             _  __                          
 / ___|  ___  ___ ___(_) ___  _ __ | |/ /___  ___ _ __   ___ _ __ 
 \___ \ / _ \/ __/ __| |/ _ \| '_ \| ' // _ \/ _ \ '_ \ / _ \ '__|
  ___) |  __/\__ \__ \ | (_) | | | | . \  __/  __/ |_) |  __/ |   
 |____/ \___||___/___/_|\___/|_| |_|_|\_\___|\___| .__/ \___|_|   
                                                 |_|              
`

func printBanner(w io.Writer, tagline string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  %s - Version %s\x1b[0m\n\n", tagline, Version)
}
