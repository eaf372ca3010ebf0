// Command nofs records text logs onto a raw memory card, over SPI or into
// a card image, and reads them back out of images.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
