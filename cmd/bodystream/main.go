// Command bodystream serves streaming form parsing over HTTP/1.1 and h2c.
package main

import "github.com/searchktools/bodystream/app"

func main() {
	app.Main()
}
