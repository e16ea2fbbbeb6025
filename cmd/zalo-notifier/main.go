package main

import (
	"os"

	"github.com/aq2208/zalo-notifier/cmd/zalo-notifier/app"
)

func main() {
	os.Exit(app.Execute())
}
