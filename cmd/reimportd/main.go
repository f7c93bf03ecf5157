// Command reimportd compares per-day record counts between the authoritative
// database and the downstream search store and reimports the days that are short.
package main

import "os"

func main() {
	os.Exit(Execute())
}
