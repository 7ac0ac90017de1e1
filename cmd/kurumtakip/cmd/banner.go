package cmd

import (
	"fmt"
)

const banner = `
  _  __                        _____     _    _       
 | |/ /   _ _ __ _   _ _ __ __|_   _|_ _| | _(_)_ __  
 | ' / | | | '__| | | | '_ ` + "`" + ` _ \| |/ _` + "`" + ` | |/ / | '_ \ 
 | . \ |_| | |  | |_| | | | | | | | (_| |   <| | |_) |
 |_|\_\__,_|_|   \__,_|_| |_| |_|_|\__,_|_|\_\_| .__/ 
                                               |_|    
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Messaging Session Broker - Version %s\x1b[0m\n\n", Version)
}
